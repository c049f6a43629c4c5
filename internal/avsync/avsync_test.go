package avsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/engine"
	"github.com/normanking/cortexlipsync/internal/frames"
)

type fakeEngine struct {
	mu       sync.Mutex
	mode     frames.Mode
	modes    []frames.Mode
	resets   int
	advances int64
}

func (f *fakeEngine) SetMode(m frames.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
	f.modes = append(f.modes, m)
}

func (f *fakeEngine) ResetCursor() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeEngine) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Stats{Mode: f.mode, Advances: f.advances}
}

func (f *fakeEngine) current() frames.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeEngine) history() []frames.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frames.Mode(nil), f.modes...)
}

type eventLog struct {
	mu     sync.Mutex
	events []map[string]any
}

func (l *eventLog) Event(name string, details map[string]any) {
	l.mu.Lock()
	l.events = append(l.events, details)
	l.mu.Unlock()
}

func TestStartSync_ForcesTalking(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, 20*time.Millisecond, 0, nil, zerolog.Nop())

	c.StartSync()
	assert.Equal(t, frames.ModeTalking, eng.current())
	assert.Equal(t, 1, eng.resets)
	assert.True(t, c.Active())

	// already talking
	c.StartSync()
	assert.Len(t, eng.history(), 1)
}

func TestStopSync_IdleAfterGrace(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, 20*time.Millisecond, 0, nil, zerolog.Nop())

	c.StartSync()
	c.OnAudioEnd()
	assert.Equal(t, frames.ModeTalking, eng.current())

	require.Eventually(t, func() bool {
		return eng.current() == frames.ModeIdle
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.Active())
}

func TestStartSync_CancelsPendingStop(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, 50*time.Millisecond, 0, nil, zerolog.Nop())

	c.StartSync()
	c.StopSync()
	c.StartSync()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, frames.ModeTalking, eng.current())
	assert.Equal(t, []frames.Mode{frames.ModeTalking}, eng.history())
}

func TestStartSync_RestartsAfterEngineWentIdle(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, time.Hour, 0, nil, zerolog.Nop())

	c.StartSync()
	eng.SetMode(frames.ModeIdle) // hold timeout inside the engine
	c.StartSync()

	assert.Equal(t, frames.ModeTalking, eng.current())
	assert.Equal(t, 2, eng.resets)
}

func TestStopSync_WithoutStartIsNoop(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, 0, 0, nil, zerolog.Nop())

	c.StopSync()
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, eng.history())
}

func TestOnChunkComplete_RecordsDriftOnly(t *testing.T) {
	eng := &fakeEngine{advances: 100}
	log := &eventLog{}
	c := New(eng, time.Hour, 40*time.Millisecond, log, zerolog.Nop())

	c.StartSync()
	eng.mu.Lock()
	eng.advances = 109
	eng.mu.Unlock()

	c.OnChunkComplete(0, 400*time.Millisecond)

	d := c.LastDrift()
	assert.Equal(t, Drift{Chunk: 0, Expected: 10, Actual: 9}, d)
	assert.Equal(t, int64(-1), d.Offset())
	assert.Equal(t, 1, eng.resets, "drift never moves the cursor")

	require.Len(t, log.events, 1)
	assert.Equal(t, int64(-1), log.events[0]["offset"])
}

func TestOnChunkComplete_IgnoredWhenInactive(t *testing.T) {
	eng := &fakeEngine{}
	log := &eventLog{}
	c := New(eng, 0, 0, log, zerolog.Nop())

	c.OnChunkComplete(3, time.Second)
	assert.Empty(t, log.events)
}

func TestAttach_FollowsAudioEvents(t *testing.T) {
	b := bus.New(0)
	defer b.Close()

	eng := &fakeEngine{}
	c := New(eng, 10*time.Millisecond, 0, nil, zerolog.Nop())
	sub := c.Attach(b)
	defer sub.Unsubscribe()

	b.Publish(bus.EventAudioStarted, map[string]any{"index": 0})
	b.Publish(bus.EventAudioChunkComplete, map[string]any{"index": 0, "duration_ms": int64(330)})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))

	assert.Equal(t, frames.ModeTalking, eng.current())
	assert.Equal(t, int64(10), c.LastDrift().Expected)

	b.Publish(bus.EventAudioEnded, map[string]any{"last": 0})
	require.Eventually(t, func() bool {
		return eng.current() == frames.ModeIdle
	}, time.Second, 5*time.Millisecond)
}

func TestAttach_ClearCancelsStop(t *testing.T) {
	b := bus.New(0)
	defer b.Close()

	eng := &fakeEngine{}
	c := New(eng, 30*time.Millisecond, 0, nil, zerolog.Nop())
	sub := c.Attach(b)
	defer sub.Unsubscribe()

	c.StartSync()
	c.StopSync()
	b.Publish(bus.EventCleared, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []frames.Mode{frames.ModeTalking}, eng.history())
	assert.False(t, c.Active())
}
