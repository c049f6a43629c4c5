package engine

import (
	"image"
	"time"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/frames"
)

// GetNextFrame returns the frame to present on this render tick. It never
// blocks on I/O or decode and never fails; when nothing new is available
// it repeats the previous frame with a freshly resolved base.
func (e *Engine) GetNextFrame() frames.ComposedFrame {
	for {
		s := e.state.Load()
		ns, out, fx := e.tick(s, e.now())

		e.mu.Lock()
		swapped := e.state.CompareAndSwap(s, ns)
		e.mu.Unlock()

		if swapped {
			e.apply(fx)
			if ns.debug && fx.advances > 0 {
				e.logger.Debug().
					Str("mode", out.Mode.String()).
					Int("chunk", out.Chunk).
					Int("seq", out.Sequence).
					Bool("held", out.Held).
					Str("sync", string(out.SyncStatus)).
					Msg("Frame")
			}
			return out
		}
	}
}

func (e *Engine) tick(s *state, now time.Time) (*state, frames.ComposedFrame, *effects) {
	fx := newEffects()
	fx.ticks = 1
	ns := s.clone()

	if !s.lastAdvance.IsZero() && now.Sub(s.lastAdvance) < e.interval(s.mode) {
		return ns, e.refresh(ns), fx
	}
	ns.lastAdvance = now
	fx.advances = 1

	e.gate(ns, fx)
	if ns.mode == frames.ModeIdle {
		return ns, e.idleFrame(ns), fx
	}
	return ns, e.talkingFrame(ns, now, fx), fx
}

// refresh repeats the current frame without advancing, re-resolving the base
func (e *Engine) refresh(ns *state) frames.ComposedFrame {
	out := ns.last
	out.Base, out.SyncStatus = e.resolveBase(ns.lastMatched, ns.idleCursor, ns.last.Base)
	return out
}

func (e *Engine) idleFrame(ns *state) frames.ComposedFrame {
	ns.idleCursor++
	if n := e.base.Len(); n > 0 {
		ns.idleCursor %= n
	} else {
		ns.idleCursor = 0
	}

	b, st := e.resolveBase(-1, ns.idleCursor, ns.last.Base)
	out := frames.ComposedFrame{
		Base:       b,
		Mode:       ns.mode,
		Chunk:      -1,
		Sequence:   ns.idleCursor,
		Animation:  e.base.Active(),
		SyncStatus: st,
	}
	ns.last = out
	ns.lastMatched = -1
	return out
}

func (e *Engine) talkingFrame(ns *state, now time.Time, fx *effects) frames.ComposedFrame {
	if ns.cursor >= len(ns.live) && !e.splice(ns, fx) {
		return e.hold(ns, now, fx)
	}

	f := ns.live[ns.cursor]
	img, ok := e.cache.Get(f.Key)
	if !ok || img == nil {
		ns.missRun++
		fx.misses++
		fx.publish(bus.EventCacheMiss, map[string]any{
			"chunk": f.Chunk,
			"seq":   f.Sequence,
			"key":   string(f.Key),
		})
		if ns.missRun > e.cfg.MaxMissHolds {
			ns.cursor++
			ns.missRun = 0
			fx.skips++
		}
		return e.held(ns)
	}
	ns.missRun = 0
	ns.holdSince = time.Time{}

	ov := frames.Overlay{Image: img, Dest: destRect(f, ns.overlayPos, img), Alpha: 1}
	overlays := []frames.Overlay{ov}
	if ns.fadeLeft > 0 && ns.fadeFrom != nil {
		k := e.cfg.CrossfadeFrames
		a := float64(k-ns.fadeLeft+1) / float64(k+1)
		from := *ns.fadeFrom
		from.Alpha = 1 - a
		in := ov
		in.Alpha = a
		overlays = []frames.Overlay{from, in}

		ns.fadeLeft--
		if ns.fadeLeft == 0 {
			ns.fadeFrom = nil
			if ns.mode == frames.ModeTransition {
				e.setMode(ns, frames.ModeTalking, "crossfade_done", fx)
			}
		}
	}

	b, st := e.resolveBase(f.MatchedBaseFrame, ns.idleCursor, ns.last.Base)
	if f.MatchedBaseFrame >= 0 {
		ns.idleCursor = f.MatchedBaseFrame
	}
	ns.lastMatched = f.MatchedBaseFrame
	ns.lastOverlay = &ov
	ns.cursor++

	if ns.overlapChunk >= 0 && ns.cursor-ns.overlapEnd >= e.cfg.OverlapFrames {
		fx.setActive(ns.current)
		fx.retire = ns.overlapChunk
		ns.overlapChunk = -1
	}

	out := frames.ComposedFrame{
		Base:       b,
		Overlays:   overlays,
		Mode:       ns.mode,
		Chunk:      f.Chunk,
		Sequence:   f.Sequence,
		Animation:  f.Animation,
		SyncStatus: st,
	}
	ns.last = out
	return out
}

// hold keeps the last frame on screen at the end of the live queue. The
// hold is bounded: UnreadyTimeout while more frames are known to be coming,
// DrainTimeout otherwise. Past the bound the engine returns to Idle.
func (e *Engine) hold(ns *state, now time.Time, fx *effects) frames.ComposedFrame {
	next, known := e.successor(ns)
	if ns.holdSince.IsZero() {
		ns.holdSince = now
		fx.underruns++
		fx.publish(bus.EventUnderrun, map[string]any{
			"chunk": ns.current,
			"next":  next,
			"known": known,
		})
	}

	limit := e.cfg.DrainTimeout
	if known || (ns.current >= 0 && !ns.currentReady) {
		limit = e.cfg.UnreadyTimeout
	}
	if limit > 0 && now.Sub(ns.holdSince) >= limit {
		fx.holdTimeouts++
		fx.publish(bus.EventHoldTimeout, map[string]any{
			"chunk": ns.current,
			"next":  next,
			"held":  now.Sub(ns.holdSince).String(),
		})
		e.toIdle(ns, "hold_timeout", fx)
		ns.lastAdvance = now
		return e.idleFrame(ns)
	}

	if len(ns.live) == 0 {
		// Talking was forced before any frame arrived; keep the base moving
		return e.idleFrame(ns)
	}
	return e.held(ns)
}

// held repeats the last emitted frame
func (e *Engine) held(ns *state) frames.ComposedFrame {
	out := ns.last
	out.Held = true
	out.Mode = ns.mode
	out.Base, out.SyncStatus = e.resolveBase(ns.lastMatched, ns.idleCursor, ns.last.Base)
	return out
}

// resolveBase walks the base fallback chain: matched base frame, current
// idle-loop frame, last static base image, previous emitted base.
func (e *Engine) resolveBase(matched, idle int, prev *frames.Image) (*frames.Image, frames.SyncStatus) {
	if matched >= 0 {
		if b := e.base.At(matched); b != nil {
			return b, frames.SyncMatched
		}
	}
	if b := e.base.At(max(idle, 0)); b != nil {
		return b, frames.SyncLoop
	}
	if b := e.base.Static(); b != nil {
		return b, frames.SyncStatic
	}
	if prev != nil {
		return prev, frames.SyncPrevious
	}
	return nil, frames.SyncNone
}

func destRect(f frames.FrameDescriptor, pos image.Point, img *frames.Image) image.Rectangle {
	if !f.Dest.Empty() {
		return f.Dest
	}
	if img == nil || img.Pixels == nil {
		return image.Rectangle{Min: pos, Max: pos}
	}
	return image.Rectangle{Min: pos, Max: pos.Add(img.Pixels.Bounds().Size())}
}
