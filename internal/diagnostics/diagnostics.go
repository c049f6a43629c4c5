// Package diagnostics is the telemetry sink. Events go to the structured
// log and to prometheus counters; frame samples update fps and sync gauges.
package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/frames"
)

const namespace = "lipsync"

// Sink records diagnostics events and frame samples
type Sink struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	samples      *prometheus.CounterVec
	fps          prometheus.Gauge
	chunk        prometheus.Gauge
	audioSeconds prometheus.Counter
	spans        *prometheus.HistogramVec
	dropped      atomic.Pointer[func() int64]

	mu     sync.Mutex
	routes map[string]http.Handler
}

// New creates a sink with its own metrics registry
func New(logger zerolog.Logger) *Sink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	s := &Sink{
		logger:   logger.With().Str("component", "diagnostics").Logger(),
		registry: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Diagnostics events by name",
			},
			[]string{"name"},
		),
		samples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_samples_total",
				Help:      "Sampled frames by base sync status",
			},
			[]string{"sync"},
		),
		fps: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "render_fps",
				Help:      "Measured render frame rate",
			},
		),
		chunk: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_chunk",
				Help:      "Chunk index of the last sampled frame",
			},
		),
		audioSeconds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_scheduled_seconds_total",
				Help:      "Seconds of audio handed to the output",
			},
		),
		spans: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "span_duration_seconds",
				Help:      "Duration of traced decode operations",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"span", "status"},
		),
		routes: make(map[string]http.Handler),
	}
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events",
			Help:      "Events dropped because the bus queue was full",
		},
		func() float64 {
			if f := s.dropped.Load(); f != nil {
				return float64((*f)())
			}
			return 0
		},
	)
	return s
}

// Event records a named diagnostics event
func (s *Sink) Event(name string, details map[string]any) {
	s.events.WithLabelValues(name).Inc()

	ev := s.logger.Debug().Str("event", name)
	if len(details) > 0 {
		ev = ev.Fields(details)
	}
	ev.Msg("Diagnostics event")
}

// FrameSample records one rendered frame
func (s *Sink) FrameSample(chunk, seq int, animation string, status frames.SyncStatus, fps float64) {
	s.samples.WithLabelValues(string(status)).Inc()
	s.fps.Set(fps)
	s.chunk.Set(float64(chunk))

	s.logger.Trace().
		Int("chunk", chunk).
		Int("seq", seq).
		Str("animation", animation).
		Str("sync", string(status)).
		Float64("fps", fps).
		Msg("Frame sample")
}

// Attach records every bus event and exports the bus drop count
func (s *Sink) Attach(b *bus.Bus) bus.Subscription {
	dropped := b.Dropped
	s.dropped.Store(&dropped)
	return b.Subscribe(func(ev bus.Event) {
		if ev.Type == bus.EventAudioChunkComplete {
			if ms, ok := ev.Data["duration_ms"].(int64); ok {
				s.audioSeconds.Add((time.Duration(ms) * time.Millisecond).Seconds())
			}
		}
		s.Event(string(ev.Type), ev.Data)
	})
}

// Registry exposes the sink's metrics registry
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the metrics in the prometheus text format
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Handle adds a route to the listener started by Serve
func (s *Sink) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	s.routes[pattern] = h
	s.mu.Unlock()
}

func (s *Sink) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.mu.Lock()
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	s.mu.Unlock()
	return mux
}

// Serve exposes /metrics and any added routes on addr until ctx is cancelled
func (s *Sink) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
