// Package render drives the engine at its current frame interval and hands
// each composed frame to the display surface.
package render

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/normanking/cortexlipsync/internal/frames"
)

// fpsSmoothing is the EMA weight of the newest frame interval
const fpsSmoothing = 0.1

// Source produces composed frames. *engine.Engine satisfies it.
type Source interface {
	GetNextFrame() frames.ComposedFrame
	Interval() time.Duration
}

// Surface displays composed frames
type Surface interface {
	Present(f frames.ComposedFrame) error
}

// SurfaceFunc adapts a function to Surface
type SurfaceFunc func(f frames.ComposedFrame) error

func (fn SurfaceFunc) Present(f frames.ComposedFrame) error { return fn(f) }

// Sampler receives throttled frame samples. The diagnostics sink satisfies it.
type Sampler interface {
	FrameSample(chunk, seq int, animation string, status frames.SyncStatus, fps float64)
}

// Stats counts driver activity
type Stats struct {
	Frames        int64
	PresentErrors int64
	Samples       int64
	FPS           float64
}

// Option configures a Driver
type Option func(*Driver)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithSampler sends frame samples to s at most perSecond times a second.
// perSecond <= 0 samples every frame.
func WithSampler(s Sampler, perSecond float64) Option {
	return func(d *Driver) {
		d.sampler = s
		limit := rate.Inf
		if perSecond > 0 {
			limit = rate.Limit(perSecond)
		}
		d.limiter = rate.NewLimiter(limit, 1)
	}
}

// Driver ticks the source and presents frames
type Driver struct {
	src     Source
	surface Surface
	sampler Sampler
	limiter *rate.Limiter
	now     func() time.Time
	logger  zerolog.Logger
	errLog  zerolog.Logger

	mu       sync.Mutex
	lastStep time.Time
	fps      float64
	last     frames.ComposedFrame

	count   atomic.Int64
	errors  atomic.Int64
	sampled atomic.Int64
}

// New creates a driver. surface may be nil for pull-driven surfaces that
// read the frame returned by Step.
func New(src Source, surface Surface, logger zerolog.Logger, opts ...Option) *Driver {
	l := logger.With().Str("component", "render").Logger()
	d := &Driver{
		src:     src,
		surface: surface,
		now:     time.Now,
		logger:  l,
		errLog:  l.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks at the source interval until ctx is cancelled. The interval is
// re-read after every frame so mode changes take effect on the next tick.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.src.Interval()).Msg("Render loop started")
	defer d.logger.Info().Int64("frames", d.count.Load()).Msg("Render loop stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		d.Step()

		now := time.Now()
		next = next.Add(d.src.Interval())
		if next.Before(now) {
			// fell behind; restart cadence instead of bursting
			next = now
		}
		timer.Reset(next.Sub(now))
	}
}

// Step produces and presents one frame
func (d *Driver) Step() frames.ComposedFrame {
	f := d.src.GetNextFrame()
	now := d.now()

	if d.surface != nil {
		if err := d.surface.Present(f); err != nil {
			d.errors.Add(1)
			d.errLog.Warn().Err(err).Int("chunk", f.Chunk).Msg("Present failed")
		}
	}
	d.count.Add(1)

	d.mu.Lock()
	if !d.lastStep.IsZero() {
		if dt := now.Sub(d.lastStep); dt > 0 {
			inst := float64(time.Second) / float64(dt)
			if d.fps == 0 {
				d.fps = inst
			} else {
				d.fps = fpsSmoothing*inst + (1-fpsSmoothing)*d.fps
			}
		}
	}
	d.lastStep = now
	d.last = f
	fps := d.fps
	d.mu.Unlock()

	if d.sampler != nil && d.limiter.AllowN(now, 1) {
		d.sampled.Add(1)
		d.sampler.FrameSample(f.Chunk, f.Sequence, f.Animation, f.SyncStatus, fps)
	}
	return f
}

// Last returns the most recently produced frame
func (d *Driver) Last() frames.ComposedFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// FPS returns the smoothed frame rate
func (d *Driver) FPS() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fps
}

// Stats returns driver counters
func (d *Driver) Stats() Stats {
	return Stats{
		Frames:        d.count.Load(),
		PresentErrors: d.errors.Load(),
		Samples:       d.sampled.Load(),
		FPS:           d.FPS(),
	}
}
