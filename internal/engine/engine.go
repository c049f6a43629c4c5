// Package engine implements the synchronization engine: the playback mode
// state machine and the per-tick frame selector.
//
// Engine state is an immutable snapshot published through an atomic
// pointer. Writers serialize on a mutex, copy the snapshot, mutate the copy
// and store it. GetNextFrame computes the next snapshot without holding the
// mutex and publishes it with a compare-and-swap, recomputing if a writer
// got in first. Calls into the cache, the bus and the base loop happen
// outside the engine mutex.
package engine

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/baseloop"
	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/cache"
	"github.com/normanking/cortexlipsync/internal/frames"
	"github.com/normanking/cortexlipsync/internal/queue"
)

// Config configures the engine
type Config struct {
	BufferThreshold int
	OverlapFrames   int
	IdleInterval    time.Duration
	TalkingInterval time.Duration
	CrossfadeFrames int
	MaxMissHolds    int
	UnreadyTimeout  time.Duration // 0 holds an unready chunk indefinitely
	DrainTimeout    time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		BufferThreshold: 10,
		OverlapFrames:   5,
		IdleInterval:    frames.IdleInterval,
		TalkingInterval: frames.TalkingInterval,
		CrossfadeFrames: 4,
		MaxMissHolds:    3,
		UnreadyTimeout:  5 * time.Second,
		DrainTimeout:    750 * time.Millisecond,
	}
}

// Publisher receives engine events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(t bus.EventType, data map[string]any)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEvents sets the event publisher
func WithEvents(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// Stats is a point-in-time view of the engine
type Stats struct {
	Mode          frames.Mode
	CurrentChunk  int
	Cursor        int
	LiveFrames    int
	PendingChunks int
	PendingFrames int
	Holding       bool

	Ticks        int64
	Advances     int64
	Underruns    int64
	Misses       int64
	Skips        int64
	Splices      int64
	HoldTimeouts int64
	LateDrops    int64
	ModeChanges  int64
}

// state is never mutated after it is published
type state struct {
	mode    frames.Mode
	pending queue.Queue

	live         []frames.FrameDescriptor // overlap tail followed by the current chunk
	cursor       int
	overlapEnd   int
	overlapChunk int // chunk contributing the overlap tail, -1 when released

	current         int // chunk playing, -1 when none
	currentReady    bool
	currentExpected int
	floor           int // lowest chunk index still accepted
	overlayPos      image.Point
	animation       string

	armed       bool // Idle→Talking gate
	idleCursor  int
	lastAdvance time.Time
	holdSince   time.Time
	missRun     int

	last        frames.ComposedFrame
	lastMatched int
	lastOverlay *frames.Overlay
	fadeLeft    int
	fadeFrom    *frames.Overlay

	epoch uint64 // bumped by ClearQueue
	debug bool
}

func (s *state) clone() *state {
	c := *s
	return &c
}

// Engine is the synchronization engine for one session
type Engine struct {
	cfg    Config
	cache  *cache.Cache
	base   *baseloop.Loop
	events Publisher
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	state atomic.Pointer[state]

	ticks        atomic.Int64
	advances     atomic.Int64
	underruns    atomic.Int64
	misses       atomic.Int64
	skips        atomic.Int64
	splices      atomic.Int64
	holdTimeouts atomic.Int64
	lateDrops    atomic.Int64
	modeChanges  atomic.Int64
}

// New creates an engine in Idle mode
func New(cfg Config, c *cache.Cache, base *baseloop.Loop, logger zerolog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.BufferThreshold <= 0 {
		cfg.BufferThreshold = def.BufferThreshold
	}
	if cfg.OverlapFrames < 0 {
		cfg.OverlapFrames = 0
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.TalkingInterval <= 0 {
		cfg.TalkingInterval = def.TalkingInterval
	}
	if cfg.MaxMissHolds < 0 {
		cfg.MaxMissHolds = 0
	}

	e := &Engine{
		cfg:    cfg,
		cache:  c,
		base:   base,
		now:    time.Now,
		logger: logger.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.New(cache.Config{}, logger)
	}
	if e.base == nil {
		e.base = baseloop.New(logger)
	}
	e.state.Store(initialState())
	return e
}

func initialState() *state {
	return &state{
		mode:         frames.ModeIdle,
		overlapChunk: -1,
		current:      -1,
		armed:        true,
		idleCursor:   -1,
		lastMatched:  -1,
		last:         frames.ComposedFrame{Chunk: -1, SyncStatus: frames.SyncNone},
	}
}

// update runs fn on a copy of the current state and publishes it
func (e *Engine) update(fn func(ns *state, fx *effects)) {
	fx := newEffects()

	e.mu.Lock()
	ns := e.state.Load().clone()
	fn(ns, fx)
	e.state.Store(ns)
	e.mu.Unlock()

	e.apply(fx)
}

// EnqueueFrames adds decoded frames of chunkIndex. Frames of a chunk that
// already finished, or that the cursor has already passed, are dropped.
// It returns the number of frames accepted.
func (e *Engine) EnqueueFrames(fs []frames.FrameDescriptor, chunkIndex int) int {
	return e.enqueueFrames(fs, chunkIndex, 0, false)
}

// EnqueueFramesAt is EnqueueFrames for frames produced before ClearQueue
// may have run: they are dropped unless the engine is still at epoch.
func (e *Engine) EnqueueFramesAt(epoch uint64, fs []frames.FrameDescriptor, chunkIndex int) int {
	return e.enqueueFrames(fs, chunkIndex, epoch, true)
}

func (e *Engine) enqueueFrames(fs []frames.FrameDescriptor, chunkIndex int, epoch uint64, checkEpoch bool) int {
	accepted := 0
	e.update(func(ns *state, fx *effects) {
		if checkEpoch && epoch != ns.epoch {
			fx.lateDrops += int64(len(fs))
			return
		}
		if chunkIndex < ns.floor {
			fx.lateDrops += int64(len(fs))
			return
		}
		if chunkIndex == ns.current {
			accepted = e.mergeLive(ns, fs, fx)
		} else {
			ns.pending, accepted = ns.pending.AddFrames(chunkIndex, fs)
		}
		e.gate(ns, fx)
	})
	return accepted
}

// EnqueueChunk registers chunk metadata, with any frames it already carries
func (e *Engine) EnqueueChunk(c frames.Chunk) {
	e.update(func(ns *state, fx *effects) {
		if c.Index < ns.floor {
			fx.lateDrops += int64(len(c.Frames))
			return
		}
		if c.Index == ns.current {
			if c.Expected == 0 {
				c.Expected = frames.ExpectedFrames(c.Sections)
			}
			if c.Expected > 0 {
				ns.currentExpected = c.Expected
			}
			ns.currentReady = ns.currentReady || c.Ready
			e.mergeLive(ns, c.Frames, fx)
		} else {
			ns.pending = ns.pending.Open(c)
		}
		e.gate(ns, fx)
	})
}

// MarkChunkReady flags chunkIndex as complete
func (e *Engine) MarkChunkReady(chunkIndex int) {
	e.update(func(ns *state, fx *effects) {
		switch {
		case chunkIndex < ns.floor:
			return
		case chunkIndex == ns.current:
			ns.currentReady = true
		default:
			ns.pending = ns.pending.MarkReady(chunkIndex)
		}
		e.gate(ns, fx)
	})
}

// MarkReadyThrough flags the chunk playing and every pending chunk up to
// last as complete. It is used when the producer signals end of speech.
func (e *Engine) MarkReadyThrough(last int) {
	e.update(func(ns *state, fx *effects) {
		if ns.current >= 0 && ns.current <= last {
			ns.currentReady = true
		}
		for _, idx := range ns.pending.Indices() {
			if idx <= last {
				ns.pending = ns.pending.MarkReady(idx)
			}
		}
		e.gate(ns, fx)
	})
}

// SetMode forces the playback mode. Forcing Talking consumes the buffering
// gate for this speech session; forcing Idle ends the current chunk.
// Transition cross-fades from the last overlay into the following frames.
func (e *Engine) SetMode(m frames.Mode) {
	e.update(func(ns *state, fx *effects) {
		if ns.mode != m {
			ns.lastAdvance = time.Time{}
		}
		switch m {
		case frames.ModeIdle:
			if ns.mode != frames.ModeIdle {
				e.toIdle(ns, "set_mode", fx)
			}
		case frames.ModeTransition:
			ns.armed = false
			if e.cfg.CrossfadeFrames > 0 && ns.lastOverlay != nil {
				ns.fadeLeft = e.cfg.CrossfadeFrames
				ns.fadeFrom = ns.lastOverlay
			}
			e.setMode(ns, m, "set_mode", fx)
		default:
			ns.armed = false
			e.setMode(ns, m, "set_mode", fx)
		}
	})
}

// TransitionToIdle returns to Idle on the next tick, discarding the rest
// of the chunk playing. Pending chunks are kept.
func (e *Engine) TransitionToIdle() {
	e.SetMode(frames.ModeIdle)
}

// ClearQueue discards all queued and pending frames, purges the cache and
// returns to Idle with the gate re-armed. Calling it again is a no-op.
func (e *Engine) ClearQueue() {
	e.update(func(ns *state, fx *effects) {
		from := ns.mode
		debug := ns.debug
		last := ns.last
		epoch := ns.epoch
		*ns = *initialState()
		ns.epoch = epoch + 1
		ns.debug = debug
		ns.last = frames.ComposedFrame{Base: last.Base, Chunk: -1, SyncStatus: last.SyncStatus}
		if from != frames.ModeIdle {
			fx.modeChange(from, frames.ModeIdle, "clear")
		}
		fx.purge = true
		fx.publish(bus.EventCleared, nil)
	})
}

// ResetCursor rewinds to the first frame of the chunk playing and makes the
// next tick advance immediately.
func (e *Engine) ResetCursor() {
	e.update(func(ns *state, _ *effects) {
		ns.cursor = ns.overlapEnd
		ns.lastAdvance = time.Time{}
		ns.holdSince = time.Time{}
		ns.missRun = 0
	})
}

// SetDebug toggles per-frame debug logging
func (e *Engine) SetDebug(on bool) {
	e.update(func(ns *state, _ *effects) {
		ns.debug = on
	})
}

// Accepts reports whether frames for chunkIndex would still be used.
// Decode workers check it before publishing results.
func (e *Engine) Accepts(chunkIndex int) bool {
	return chunkIndex >= e.state.Load().floor
}

// Epoch returns the number of ClearQueue calls so far
func (e *Engine) Epoch() uint64 {
	return e.state.Load().epoch
}

// Mode returns the current playback mode
func (e *Engine) Mode() frames.Mode {
	return e.state.Load().mode
}

// Interval returns the target frame interval of the current mode
func (e *Engine) Interval() time.Duration {
	return e.interval(e.state.Load().mode)
}

func (e *Engine) interval(m frames.Mode) time.Duration {
	if m == frames.ModeIdle {
		return e.cfg.IdleInterval
	}
	return e.cfg.TalkingInterval
}

// Stats returns a snapshot of engine state and counters
func (e *Engine) Stats() Stats {
	s := e.state.Load()
	return Stats{
		Mode:          s.mode,
		CurrentChunk:  s.current,
		Cursor:        s.cursor,
		LiveFrames:    len(s.live),
		PendingChunks: s.pending.Len(),
		PendingFrames: s.pending.Frames(),
		Holding:       !s.holdSince.IsZero(),

		Ticks:        e.ticks.Load(),
		Advances:     e.advances.Load(),
		Underruns:    e.underruns.Load(),
		Misses:       e.misses.Load(),
		Skips:        e.skips.Load(),
		Splices:      e.splices.Load(),
		HoldTimeouts: e.holdTimeouts.Load(),
		LateDrops:    e.lateDrops.Load(),
		ModeChanges:  e.modeChanges.Load(),
	}
}

// mergeLive adds late frames of the chunk playing. Frames at or before the
// last one shown are dropped.
func (e *Engine) mergeLive(ns *state, fs []frames.FrameDescriptor, fx *effects) int {
	if len(fs) == 0 {
		return 0
	}

	passed := -1 << 31
	if ns.cursor > ns.overlapEnd {
		passed = ns.live[ns.cursor-1].Sequence
	}
	fresh := make([]frames.FrameDescriptor, 0, len(fs))
	for _, f := range fs {
		if f.Sequence > passed {
			fresh = append(fresh, f)
		}
	}
	fx.lateDrops += int64(len(fs) - len(fresh))

	region, added := queue.Merge(ns.live[ns.overlapEnd:], fresh)
	if added == 0 {
		return 0
	}
	live := make([]frames.FrameDescriptor, 0, ns.overlapEnd+len(region))
	live = append(live, ns.live[:ns.overlapEnd]...)
	live = append(live, region...)
	ns.live = live

	if ns.currentExpected > 0 && len(region) >= ns.currentExpected {
		ns.currentReady = true
	}
	return added
}

// gate starts Talking once the next chunk has buffered enough frames.
// It fires once per speech session and re-arms on return to Idle.
func (e *Engine) gate(ns *state, fx *effects) {
	if ns.mode != frames.ModeIdle || !ns.armed {
		return
	}
	idx, ok := e.successor(ns)
	if !ok || !ns.pending.Admissible(idx, e.cfg.BufferThreshold) {
		return
	}
	ns.armed = false
	e.setMode(ns, frames.ModeTalking, "buffered", fx)
	e.splice(ns, fx)
	ns.lastAdvance = time.Time{}
}

// successor returns the chunk that plays after the current one
func (e *Engine) successor(ns *state) (int, bool) {
	if ns.current >= 0 {
		_, ok := ns.pending.Get(ns.current + 1)
		return ns.current + 1, ok
	}
	return ns.pending.Next(ns.floor)
}

// splice moves the successor chunk into the live queue behind an overlap
// tail of the chunk just finished and rewinds the cursor to the start of
// the overlap. Leaving a chunk requires it to be complete and its successor
// to be ready; the first chunk of a run only has to pass the buffering gate.
func (e *Engine) splice(ns *state, fx *effects) bool {
	idx, ok := e.successor(ns)
	if !ok {
		return false
	}
	if ns.current >= 0 {
		next, _ := ns.pending.Get(idx)
		if !ns.currentReady || !next.Ready || len(next.Frames) == 0 {
			return false
		}
	} else if !ns.pending.Admissible(idx, e.cfg.BufferThreshold) {
		return false
	}

	pending, c, _ := ns.pending.Take(idx)
	prev := ns.current

	var tail []frames.FrameDescriptor
	if prev >= 0 && e.cfg.OverlapFrames > 0 {
		region := ns.live[ns.overlapEnd:]
		n := min(e.cfg.OverlapFrames, len(region))
		tail = region[len(region)-n:]
	}
	live := make([]frames.FrameDescriptor, 0, len(tail)+len(c.Frames))
	live = append(live, tail...)
	live = append(live, c.Frames...)

	ns.pending = pending.Drop(idx)
	ns.live = live
	ns.overlapEnd = len(tail)
	ns.cursor = 0
	ns.current = idx
	ns.currentReady = c.Ready
	ns.currentExpected = c.Expected
	ns.overlayPos = c.OverlayPos
	ns.animation = c.Animation
	ns.floor = idx
	ns.holdSince = time.Time{}
	ns.missRun = 0

	if len(tail) > 0 {
		ns.overlapChunk = prev
		fx.setActive(idx, prev)
		fx.retire = prev - 1
	} else {
		ns.overlapChunk = -1
		fx.setActive(idx)
		fx.retire = prev
	}

	if (c.Mode == frames.ModeTransition || ns.mode == frames.ModeTransition) &&
		e.cfg.CrossfadeFrames > 0 && ns.lastOverlay != nil {
		ns.fadeLeft = e.cfg.CrossfadeFrames
		ns.fadeFrom = ns.lastOverlay
		e.setMode(ns, frames.ModeTransition, "crossfade", fx)
	}

	fx.splices++
	fx.publish(bus.EventChunkSpliced, map[string]any{
		"chunk":     idx,
		"previous":  prev,
		"overlap":   len(tail),
		"frames":    len(c.Frames),
		"animation": c.Animation,
	})
	return true
}

// toIdle ends the chunk playing and re-arms the gate
func (e *Engine) toIdle(ns *state, reason string, fx *effects) {
	if ns.current >= 0 {
		ns.floor = ns.current + 1
		fx.retire = ns.current
	}
	ns.pending = ns.pending.Drop(ns.floor)
	ns.live = nil
	ns.cursor = 0
	ns.overlapEnd = 0
	ns.overlapChunk = -1
	ns.current = -1
	ns.currentReady = false
	ns.currentExpected = 0
	ns.holdSince = time.Time{}
	ns.missRun = 0
	ns.fadeLeft = 0
	ns.fadeFrom = nil
	ns.lastOverlay = nil
	ns.lastMatched = -1
	ns.lastAdvance = time.Time{}
	ns.armed = true
	fx.setActive()
	e.setMode(ns, frames.ModeIdle, reason, fx)
}

func (e *Engine) setMode(ns *state, m frames.Mode, reason string, fx *effects) {
	if ns.mode == m {
		return
	}
	fx.modeChange(ns.mode, m, reason)
	ns.mode = m
}
