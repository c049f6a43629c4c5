package render

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlipsync/internal/frames"
)

type fakeSource struct {
	seq      atomic.Int64
	interval atomic.Int64
}

func newFakeSource(interval time.Duration) *fakeSource {
	s := &fakeSource{}
	s.interval.Store(int64(interval))
	return s
}

func (s *fakeSource) GetNextFrame() frames.ComposedFrame {
	n := int(s.seq.Add(1))
	return frames.ComposedFrame{Chunk: 0, Sequence: n, SyncStatus: frames.SyncLoop}
}

func (s *fakeSource) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

type sampleLog struct {
	mu  sync.Mutex
	fps []float64
}

func (l *sampleLog) FrameSample(chunk, seq int, animation string, status frames.SyncStatus, fps float64) {
	l.mu.Lock()
	l.fps = append(l.fps, fps)
	l.mu.Unlock()
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func TestStep_PresentsFrame(t *testing.T) {
	var got []int
	surface := SurfaceFunc(func(f frames.ComposedFrame) error {
		got = append(got, f.Sequence)
		return nil
	})
	d := New(newFakeSource(time.Millisecond), surface, zerolog.Nop())

	d.Step()
	f := d.Step()

	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 2, f.Sequence)
	assert.Equal(t, 2, d.Last().Sequence)
	assert.Equal(t, int64(2), d.Stats().Frames)
}

func TestStep_PresentErrorsDoNotStop(t *testing.T) {
	surface := SurfaceFunc(func(f frames.ComposedFrame) error {
		return errors.New("surface lost")
	})
	d := New(newFakeSource(time.Millisecond), surface, zerolog.Nop())

	for range 3 {
		d.Step()
	}
	assert.Equal(t, int64(3), d.Stats().Frames)
	assert.Equal(t, int64(3), d.Stats().PresentErrors)
}

func TestStep_SmoothsFPS(t *testing.T) {
	clock := &stepClock{t: time.Unix(0, 0)}
	d := New(newFakeSource(time.Millisecond), nil, zerolog.Nop(), WithClock(clock.now))

	d.Step()
	assert.Zero(t, d.FPS())

	clock.t = clock.t.Add(100 * time.Millisecond)
	d.Step()
	assert.InDelta(t, 10.0, d.FPS(), 0.001)

	clock.t = clock.t.Add(50 * time.Millisecond)
	d.Step()
	// 0.1*20 + 0.9*10
	assert.InDelta(t, 11.0, d.FPS(), 0.001)
}

func TestStep_ThrottlesSamples(t *testing.T) {
	clock := &stepClock{t: time.Unix(0, 0)}
	samples := &sampleLog{}
	d := New(newFakeSource(time.Millisecond), nil, zerolog.Nop(),
		WithClock(clock.now), WithSampler(samples, 2))

	// 30 frames over one second at 2 samples per second
	for range 30 {
		d.Step()
		clock.t = clock.t.Add(33 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, d.Stats().Samples, int64(2))
	assert.LessOrEqual(t, d.Stats().Samples, int64(3))
}

func TestStep_UnlimitedSampler(t *testing.T) {
	samples := &sampleLog{}
	d := New(newFakeSource(time.Millisecond), nil, zerolog.Nop(), WithSampler(samples, 0))

	for range 5 {
		d.Step()
	}
	assert.Len(t, samples.fps, 5)
}

func TestRun_FollowsIntervalChanges(t *testing.T) {
	src := newFakeSource(5 * time.Millisecond)
	var presented atomic.Int64
	d := New(src, SurfaceFunc(func(frames.ComposedFrame) error {
		presented.Add(1)
		return nil
	}), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return presented.Load() >= 5
	}, time.Second, time.Millisecond)

	// slow to one frame per hour; the loop should go quiet
	src.interval.Store(int64(time.Hour))
	time.Sleep(20 * time.Millisecond)
	before := presented.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, presented.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
