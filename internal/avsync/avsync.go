// Package avsync keeps the engine's playback mode in step with the audio
// pipeline. It listens on the ordered event bus and switches the engine to
// Talking when audio starts and back to Idle a short grace after it ends.
package avsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/engine"
	"github.com/normanking/cortexlipsync/internal/frames"
)

// DefaultStopGrace is how long Idle waits after audio ends
const DefaultStopGrace = 500 * time.Millisecond

// Engine is the part of the engine the coordinator drives
type Engine interface {
	SetMode(m frames.Mode)
	ResetCursor()
	Stats() engine.Stats
}

// Recorder receives drift samples. The diagnostics sink satisfies it.
type Recorder interface {
	Event(name string, details map[string]any)
}

// Drift compares the frames audio says should have played with the frames
// the engine actually advanced.
type Drift struct {
	Chunk    int
	Expected int64
	Actual   int64
}

// Offset is Actual minus Expected in frames
func (d Drift) Offset() int64 { return d.Actual - d.Expected }

// Coordinator maps audio lifecycle events onto engine mode changes
type Coordinator struct {
	eng      Engine
	grace    time.Duration
	interval time.Duration
	rec      Recorder
	logger   zerolog.Logger

	mu        sync.Mutex
	active    bool
	stop      *time.Timer
	stopGen   uint64
	baseline  int64
	audioTime time.Duration
	last      Drift
}

// New creates a coordinator. interval is the talking frame interval used to
// turn audio time into an expected frame count. rec may be nil.
func New(eng Engine, grace, interval time.Duration, rec Recorder, logger zerolog.Logger) *Coordinator {
	if grace < 0 {
		grace = 0
	}
	if interval <= 0 {
		interval = frames.TalkingInterval
	}
	return &Coordinator{
		eng:      eng,
		grace:    grace,
		interval: interval,
		rec:      rec,
		logger:   logger.With().Str("component", "avsync").Logger(),
	}
}

// Attach subscribes the coordinator to audio events on b
func (c *Coordinator) Attach(b *bus.Bus) bus.Subscription {
	return b.Subscribe(c.handle,
		bus.EventAudioStarted,
		bus.EventAudioChunkComplete,
		bus.EventAudioEnded,
		bus.EventCleared,
	)
}

func (c *Coordinator) handle(ev bus.Event) {
	switch ev.Type {
	case bus.EventAudioStarted:
		c.StartSync()
	case bus.EventAudioChunkComplete:
		var d time.Duration
		if ms, ok := ev.Data["duration_ms"].(int64); ok {
			d = time.Duration(ms) * time.Millisecond
		}
		c.OnChunkComplete(ev.Int("index"), d)
	case bus.EventAudioEnded:
		c.OnAudioEnd()
	case bus.EventCleared:
		c.cancel()
	}
}

// StartSync forces Talking and rewinds the cursor. A stop still waiting
// out its grace is cancelled.
func (c *Coordinator) StartSync() {
	c.mu.Lock()
	c.cancelLocked()
	wasActive := c.active
	c.active = true
	if !wasActive {
		c.baseline = c.eng.Stats().Advances
		c.audioTime = 0
	}
	c.mu.Unlock()

	if wasActive && c.eng.Stats().Mode != frames.ModeIdle {
		return
	}
	c.eng.SetMode(frames.ModeTalking)
	c.eng.ResetCursor()
	c.logger.Debug().Msg("Sync started")
}

// OnChunkComplete records the drift between audio and frames at the end of
// a chunk. It never moves the cursor.
func (c *Coordinator) OnChunkComplete(index int, played time.Duration) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.audioTime += played
	d := Drift{
		Chunk:    index,
		Expected: int64(c.audioTime / c.interval),
		Actual:   c.eng.Stats().Advances - c.baseline,
	}
	c.last = d
	c.mu.Unlock()

	if c.rec != nil {
		c.rec.Event("sync_drift", map[string]any{
			"chunk":    d.Chunk,
			"expected": d.Expected,
			"actual":   d.Actual,
			"offset":   d.Offset(),
		})
	}
}

// OnAudioEnd schedules the return to Idle
func (c *Coordinator) OnAudioEnd() {
	c.StopSync()
}

// StopSync forces Idle once the grace period passes without a new start
func (c *Coordinator) StopSync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || c.stop != nil {
		return
	}
	c.stopGen++
	gen := c.stopGen
	c.stop = time.AfterFunc(c.grace, func() { c.finish(gen) })
}

func (c *Coordinator) finish(gen uint64) {
	c.mu.Lock()
	if gen != c.stopGen || !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.stop = nil
	c.mu.Unlock()

	c.eng.SetMode(frames.ModeIdle)
	c.logger.Debug().Msg("Sync stopped")
}

// cancel drops sync state after the engine was cleared
func (c *Coordinator) cancel() {
	c.mu.Lock()
	c.cancelLocked()
	c.active = false
	c.mu.Unlock()
}

func (c *Coordinator) cancelLocked() {
	if c.stop != nil {
		c.stop.Stop()
		c.stop = nil
	}
	c.stopGen++
}

// Active reports whether audio is driving the engine
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LastDrift returns the most recent drift sample
func (c *Coordinator) LastDrift() Drift {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Close cancels a pending stop
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancelLocked()
	c.mu.Unlock()
}
