package diagnostics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerProvider records finished spans as debug log lines and span
// duration observations. Span contexts are not propagated or exported.
type tracerProvider struct {
	embedded.TracerProvider
	sink *Sink
}

// TracerProvider returns a provider feeding spans into the sink. Register
// it with otel.SetTracerProvider.
func (s *Sink) TracerProvider() trace.TracerProvider {
	return &tracerProvider{sink: s}
}

func (p *tracerProvider) Tracer(name string, _ ...trace.TracerOption) trace.Tracer {
	return &tracer{provider: p, scope: name}
}

type tracer struct {
	embedded.Tracer
	provider *tracerProvider
	scope    string
}

func (t *tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	start := cfg.Timestamp()
	if start.IsZero() {
		start = time.Now()
	}
	sp := &span{
		provider: t.provider,
		scope:    t.scope,
		name:     name,
		start:    start,
		attrs:    append([]attribute.KeyValue(nil), cfg.Attributes()...),
	}
	return trace.ContextWithSpan(ctx, sp), sp
}

type span struct {
	noop.Span
	provider *tracerProvider
	scope    string
	start    time.Time

	mu    sync.Mutex
	name  string
	attrs []attribute.KeyValue
	code  codes.Code
	desc  string
	err   error
	ended bool
}

func (s *span) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

func (s *span) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *span) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	s.attrs = append(s.attrs, kv...)
	s.mu.Unlock()
}

func (s *span) SetStatus(code codes.Code, description string) {
	s.mu.Lock()
	// Ok is final; Error may not downgrade it
	if s.code != codes.Ok {
		s.code = code
		s.desc = description
	}
	s.mu.Unlock()
}

func (s *span) RecordError(err error, _ ...trace.EventOption) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *span) TracerProvider() trace.TracerProvider {
	return s.provider
}

func (s *span) End(opts ...trace.SpanEndOption) {
	cfg := trace.NewSpanEndConfig(opts...)
	end := cfg.Timestamp()
	if end.IsZero() {
		end = time.Now()
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	rec := spanRecord{
		scope:    s.scope,
		name:     s.name,
		duration: end.Sub(s.start),
		attrs:    s.attrs,
		code:     s.code,
		desc:     s.desc,
		err:      s.err,
	}
	s.mu.Unlock()

	s.provider.sink.recordSpan(rec)
}

type spanRecord struct {
	scope    string
	name     string
	duration time.Duration
	attrs    []attribute.KeyValue
	code     codes.Code
	desc     string
	err      error
}

func (s *Sink) recordSpan(r spanRecord) {
	s.spans.WithLabelValues(r.name, r.code.String()).Observe(r.duration.Seconds())

	ev := s.logger.Debug().
		Str("span", r.name).
		Str("scope", r.scope).
		Dur("duration", r.duration).
		Str("status", r.code.String())
	for _, kv := range r.attrs {
		ev = ev.Interface(string(kv.Key), kv.Value.AsInterface())
	}
	if r.desc != "" {
		ev = ev.Str("status_description", r.desc)
	}
	if r.err != nil {
		ev = ev.Err(r.err)
	}
	ev.Msg("Span ended")
}
