package engine

import (
	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/frames"
)

type event struct {
	t    bus.EventType
	data map[string]any
}

// effects collects what a state change does to the world outside the
// engine. They are applied after the new snapshot is published.
type effects struct {
	events []event

	activeSet bool
	active    []int
	retire    int
	purge     bool

	ticks        int64
	advances     int64
	underruns    int64
	misses       int64
	skips        int64
	splices      int64
	holdTimeouts int64
	lateDrops    int64
	modeChanges  int64
}

func newEffects() *effects {
	return &effects{retire: -1}
}

func (fx *effects) publish(t bus.EventType, data map[string]any) {
	fx.events = append(fx.events, event{t: t, data: data})
}

func (fx *effects) setActive(chunks ...int) {
	fx.activeSet = true
	fx.active = chunks
}

func (fx *effects) modeChange(from, to frames.Mode, reason string) {
	fx.modeChanges++
	fx.publish(bus.EventModeChanged, map[string]any{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
}

func (e *Engine) apply(fx *effects) {
	if fx.purge {
		e.cache.Purge()
	} else {
		if fx.activeSet {
			e.cache.SetActive(fx.active...)
		}
		if fx.retire >= 0 {
			e.cache.Retire(fx.retire)
		}
	}

	e.ticks.Add(fx.ticks)
	e.advances.Add(fx.advances)
	e.underruns.Add(fx.underruns)
	e.misses.Add(fx.misses)
	e.skips.Add(fx.skips)
	e.splices.Add(fx.splices)
	e.holdTimeouts.Add(fx.holdTimeouts)
	e.lateDrops.Add(fx.lateDrops)
	e.modeChanges.Add(fx.modeChanges)

	for _, ev := range fx.events {
		if ev.t == bus.EventModeChanged {
			e.logger.Info().
				Interface("from", ev.data["from"]).
				Interface("to", ev.data["to"]).
				Interface("reason", ev.data["reason"]).
				Msg("Mode changed")
		}
		if e.events != nil {
			e.events.Publish(ev.t, ev.data)
		}
	}
}
