// Package audio provides the ordered audio pipeline: compressed chunks are
// decoded off the render path by a bounded worker pool and handed to the
// output device strictly in chunk-index order.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortexlipsync/internal/bus"
)

var (
	ErrClosed = errors.New("audio pipeline closed")
	ErrStale  = errors.New("audio chunk already scheduled")
)

// pollInterval paces gap and drain checks
const pollInterval = 10 * time.Millisecond

// Config configures the pipeline
type Config struct {
	SampleRate int
	Channels   int
	Workers    int
	GapTimeout time.Duration
	Format     string // used when a chunk carries no format
}

// DefaultConfig returns default pipeline settings
func DefaultConfig() Config {
	return Config{
		SampleRate: 24000,
		Channels:   1,
		Workers:    2,
		GapTimeout: 2 * time.Second,
		Format:     FormatPCM16,
	}
}

// Chunk is one compressed audio chunk tagged with its chunk index
type Chunk struct {
	Index   int
	Payload []byte
	Format  string
}

// Publisher receives pipeline lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(t bus.EventType, data map[string]any)
}

// Stats is a point-in-time view of the pipeline
type Stats struct {
	Next      int
	Waiting   int
	InFlight  int
	Scheduled int64
	Failed    int64
	Skipped   int64
	Buffered  time.Duration
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithDecoder registers or replaces the decoder for format
func WithDecoder(format string, d Decoder) Option {
	return func(p *Pipeline) { p.decoders[format] = d }
}

// WithEvents sets the lifecycle event publisher
func WithEvents(pub Publisher) Option {
	return func(p *Pipeline) { p.events = pub }
}

// WithClock replaces time.Now for gap timing
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type job struct {
	gen   uint64
	chunk Chunk
}

type result struct {
	gen      uint64
	index    int
	pcm      []byte
	duration time.Duration
	err      error
	skipped  bool
}

// Pipeline decodes and schedules audio chunks
type Pipeline struct {
	cfg      Config
	out      Output
	events   Publisher
	decoders map[string]Decoder
	now      func() time.Time
	logger   zerolog.Logger

	jobs    chan job
	results chan result
	kick    chan struct{}
	done    chan struct{}
	once    sync.Once

	emitMu sync.Mutex // orders output scheduling against Reset
	gen    atomic.Uint64

	mu        sync.Mutex
	next      int
	submitted map[int]struct{}
	ready     map[int]result
	skips     map[int]struct{}
	inflight  int
	anchored  bool // next is set; otherwise the first submission sets it
	running   bool
	gapSince  time.Time
	closed    bool

	scheduled atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// New creates a pipeline writing to out. Call Run to start it.
func New(cfg Config, out Output, logger zerolog.Logger, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if out == nil {
		out = NewNullOutput(cfg.SampleRate, nil)
	}

	p := &Pipeline{
		cfg:       cfg,
		out:       out,
		decoders:  make(map[string]Decoder),
		now:       time.Now,
		logger:    logger.With().Str("component", "audio-pipeline").Logger(),
		jobs:      make(chan job, 64),
		results:   make(chan result, 64),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		submitted: make(map[int]struct{}),
		ready:     make(map[int]result),
		skips:     make(map[int]struct{}),
	}
	for _, f := range []string{FormatPCM16, FormatWAV, FormatMP3, FormatOpus} {
		d, _ := NewDecoder(f, cfg.SampleRate, cfg.Channels)
		p.decoders[f] = d
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run decodes and schedules chunks until ctx is cancelled or Close is called
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var workers errgroup.Group
	workers.SetLimit(p.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case j := <-p.jobs:
				workers.Go(func() error {
					p.decode(gctx, j)
					return nil
				})
			}
		}
	})
	g.Go(func() error {
		return p.schedule(gctx)
	})

	p.logger.Info().Int("workers", p.cfg.Workers).Int("sampleRate", p.cfg.SampleRate).Msg("Audio pipeline started")
	err := g.Wait()
	_ = workers.Wait()
	p.logger.Info().Msg("Audio pipeline stopped")
	return err
}

// Submit queues a chunk for decoding. Chunks may arrive in any order;
// duplicates of a pending index are ignored.
func (p *Pipeline) Submit(c Chunk) error {
	if c.Format == "" {
		c.Format = p.cfg.Format
	}
	c.Format = strings.ToLower(c.Format)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.anchored {
		p.next = c.Index
		p.anchored = true
	}
	if c.Index < p.next {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStale, c.Index)
	}
	if _, dup := p.submitted[c.Index]; dup {
		p.mu.Unlock()
		return nil
	}
	p.submitted[c.Index] = struct{}{}
	p.inflight++
	gen := p.gen.Load()
	p.mu.Unlock()

	select {
	case p.jobs <- job{gen: gen, chunk: c}:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Skip gives up on index so later chunks are not held behind it.
// The skipped index still produces a completion event.
func (p *Pipeline) Skip(index int) {
	p.mu.Lock()
	if index >= p.next {
		p.skips[index] = struct{}{}
	}
	p.mu.Unlock()
	p.poke()
}

// Reset discards queued, in-flight and scheduled audio and restarts
// ordering at startIndex. A negative startIndex lets the next submission
// set it. Results of earlier submissions are dropped on arrival.
func (p *Pipeline) Reset(startIndex int) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	p.gen.Add(1)
	p.next = max(startIndex, 0)
	p.anchored = startIndex >= 0
	p.submitted = make(map[int]struct{})
	p.ready = make(map[int]result)
	p.skips = make(map[int]struct{})
	p.inflight = 0
	p.running = false
	p.gapSince = time.Time{}
	p.mu.Unlock()

	p.out.Reset()
	p.logger.Debug().Int("next", startIndex).Msg("Audio pipeline reset")
}

// Close stops accepting chunks and releases the output
func (p *Pipeline) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		err = p.out.Close()
	})
	return err
}

// Stats returns pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	s := Stats{Next: p.next, Waiting: len(p.ready), InFlight: p.inflight}
	p.mu.Unlock()

	s.Scheduled = p.scheduled.Load()
	s.Failed = p.failed.Load()
	s.Skipped = p.skipped.Load()
	s.Buffered = p.out.Buffered()
	return s
}

func (p *Pipeline) poke() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Pipeline) decode(ctx context.Context, j job) {
	_, span := tracer.Start(ctx, "audio.decode", trace.WithAttributes(
		attribute.Int("audio.chunk", j.chunk.Index),
		attribute.String("audio.format", j.chunk.Format),
		attribute.Int("audio.payload_bytes", len(j.chunk.Payload)),
	))
	defer span.End()

	r := result{gen: j.gen, index: j.chunk.Index}
	d, ok := p.decoders[j.chunk.Format]
	if !ok || d == nil {
		r.err = fmt.Errorf("%w: %q", ErrUnknownFormat, j.chunk.Format)
	} else {
		r.pcm, r.err = d.Decode(j.chunk.Payload)
	}
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	} else {
		r.duration = pcmDuration(len(r.pcm), p.cfg.SampleRate)
		span.SetAttributes(attribute.Int64("audio.duration_ms", r.duration.Milliseconds()))
	}

	select {
	case p.results <- r:
	case <-ctx.Done():
	}
}

// schedule is the single goroutine that hands chunks to the output
func (p *Pipeline) schedule(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-p.results:
			p.accept(r)
		case <-p.kick:
		case <-ticker.C:
		}
		p.drain()
	}
}

func (p *Pipeline) accept(r result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.gen != p.gen.Load() {
		return
	}
	p.inflight--
	if r.index < p.next {
		return
	}
	p.ready[r.index] = r
}

// drain schedules every chunk that is next in order, skipping gaps that
// have outlived GapTimeout, then reports the end of a speech run once the
// output has played everything.
func (p *Pipeline) drain() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	gen := p.gen.Load()
	now := p.now()

	p.mu.Lock()
	var due []result
	for {
		if r, ok := p.ready[p.next]; ok {
			delete(p.ready, p.next)
			due = append(due, r)
			p.gapSince = time.Time{}
		} else if _, ok := p.skips[p.next]; ok {
			due = append(due, result{index: p.next, skipped: true})
		} else if !p.gapExpired(now) {
			// An expired gap stays expired for the rest of the run of
			// missing indices.
			break
		} else {
			due = append(due, result{index: p.next, skipped: true})
		}
		delete(p.skips, p.next)
		delete(p.submitted, p.next)
		p.next++
	}
	p.mu.Unlock()

	for _, r := range due {
		p.emit(r, gen)
	}

	p.mu.Lock()
	_, nextKnown := p.submitted[p.next]
	idle := p.running && len(p.ready) == 0 && p.inflight == 0 && !nextKnown
	p.mu.Unlock()

	if idle && p.out.Buffered() == 0 {
		p.mu.Lock()
		p.running = false
		last := p.next - 1
		p.mu.Unlock()
		p.publish(bus.EventAudioEnded, map[string]any{"last": last})
		p.logger.Debug().Int("last", last).Msg("Audio drained")
	}
}

// gapExpired reports whether the next index was never submitted while a
// later one has been waiting for GapTimeout. Caller holds p.mu.
func (p *Pipeline) gapExpired(now time.Time) bool {
	if _, known := p.submitted[p.next]; known || len(p.ready) == 0 {
		p.gapSince = time.Time{}
		return false
	}
	if p.gapSince.IsZero() {
		p.gapSince = now
	}
	return p.cfg.GapTimeout > 0 && now.Sub(p.gapSince) >= p.cfg.GapTimeout
}

func (p *Pipeline) emit(r result, gen uint64) {
	if p.gen.Load() != gen {
		return
	}

	switch {
	case r.skipped:
		p.skipped.Add(1)
		p.logger.Warn().Int("chunk", r.index).Msg("Audio chunk skipped")
		p.publish(bus.EventAudioChunkSkipped, map[string]any{"index": r.index})
		p.publish(bus.EventAudioChunkComplete, map[string]any{"index": r.index, "skipped": true})
		return
	case r.err != nil:
		p.failed.Add(1)
		p.logger.Warn().Err(r.err).Int("chunk", r.index).Msg("Audio decode failed")
		p.publish(bus.EventAudioDecodeFailed, map[string]any{"index": r.index, "error": r.err.Error()})
		p.publish(bus.EventAudioChunkComplete, map[string]any{"index": r.index, "failed": true})
		return
	}

	p.mu.Lock()
	starting := !p.running
	p.running = true
	p.mu.Unlock()
	if starting {
		p.publish(bus.EventAudioStarted, map[string]any{"index": r.index})
	}

	if err := p.out.Schedule(r.pcm); err != nil {
		p.failed.Add(1)
		p.logger.Warn().Err(err).Int("chunk", r.index).Msg("Audio schedule failed")
		p.publish(bus.EventAudioChunkComplete, map[string]any{"index": r.index, "failed": true})
		return
	}
	p.scheduled.Add(1)
	p.publish(bus.EventAudioChunkComplete, map[string]any{
		"index":       r.index,
		"duration_ms": r.duration.Milliseconds(),
	})
}

func (p *Pipeline) publish(t bus.EventType, data map[string]any) {
	if p.events != nil {
		p.events.Publish(t, data)
	}
}
