package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlipsync/internal/bus"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(t bus.EventType, data map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, bus.Event{Type: t, Data: data})
	r.mu.Unlock()
}

func (r *recorder) of(t bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) completed() []int {
	var idx []int
	for _, ev := range r.of(bus.EventAudioChunkComplete) {
		idx = append(idx, ev.Int("index"))
	}
	return idx
}

// testDecoder returns one sample frame per payload byte after sleeping
// for the duration named by the first byte in milliseconds.
func testDecoder() Decoder {
	return DecoderFunc(func(p []byte) ([]byte, error) {
		if len(p) == 0 {
			return nil, errors.New("empty payload")
		}
		time.Sleep(time.Duration(p[0]) * time.Millisecond)
		return make([]byte, len(p)*bytesPerFrame), nil
	})
}

func startPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithDecoder("test", testDecoder()), WithEvents(rec)}, opts...)
	cfg.Format = "test"
	p := New(cfg, NewNullOutput(24000, nil), zerolog.Nop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = p.Close()
		<-done
	})
	return p, rec
}

func TestPipeline_CompletesInIndexOrder(t *testing.T) {
	p, rec := startPipeline(t, Config{Workers: 3})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{1}}))
	require.NoError(t, p.Submit(Chunk{Index: 1, Payload: []byte{80}}))
	require.NoError(t, p.Submit(Chunk{Index: 2, Payload: []byte{1}}))

	require.Eventually(t, func() bool {
		return len(rec.completed()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int{0, 1, 2}, rec.completed())
	assert.Equal(t, int64(3), p.Stats().Scheduled)
}

func TestPipeline_DecodeFailureStillCompletes(t *testing.T) {
	p, rec := startPipeline(t, Config{})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: nil}))
	require.NoError(t, p.Submit(Chunk{Index: 1, Payload: []byte{1}}))

	require.Eventually(t, func() bool {
		return len(rec.completed()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	first := rec.of(bus.EventAudioChunkComplete)[0]
	assert.Equal(t, 0, first.Int("index"))
	assert.Equal(t, true, first.Data["failed"])
	assert.Len(t, rec.of(bus.EventAudioDecodeFailed), 1)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPipeline_UnknownFormatFails(t *testing.T) {
	p, rec := startPipeline(t, Config{})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{1}, Format: "flac"}))

	require.Eventually(t, func() bool {
		return len(rec.of(bus.EventAudioDecodeFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipeline_GapSkippedAfterTimeout(t *testing.T) {
	p, rec := startPipeline(t, Config{GapTimeout: 50 * time.Millisecond})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{1}}))
	require.NoError(t, p.Submit(Chunk{Index: 3, Payload: []byte{1}}))

	require.Eventually(t, func() bool {
		return len(rec.completed()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int{0, 1, 2, 3}, rec.completed())
	assert.Len(t, rec.of(bus.EventAudioChunkSkipped), 2)
	assert.Equal(t, int64(2), p.Stats().Skipped)
}

func TestPipeline_WaitsForSubmittedChunk(t *testing.T) {
	p, rec := startPipeline(t, Config{GapTimeout: 20 * time.Millisecond})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{150}}))
	require.NoError(t, p.Submit(Chunk{Index: 1, Payload: []byte{1}}))

	// chunk 0 is in flight, so chunk 1 waits past the gap timeout
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.completed())

	require.Eventually(t, func() bool {
		return len(rec.completed()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1}, rec.completed())
}

func TestPipeline_SkipReleasesLaterChunks(t *testing.T) {
	p, rec := startPipeline(t, Config{GapTimeout: time.Hour})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{1}}))
	require.NoError(t, p.Submit(Chunk{Index: 2, Payload: []byte{1}}))
	require.Eventually(t, func() bool {
		return len(rec.completed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p.Skip(1)

	require.Eventually(t, func() bool {
		return len(rec.completed()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, rec.completed())
}

func TestPipeline_StartedAndEnded(t *testing.T) {
	p, rec := startPipeline(t, Config{})

	// 240 sample frames at 24kHz is 10ms of audio
	payload := make([]byte, 240)
	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: payload}))
	require.NoError(t, p.Submit(Chunk{Index: 1, Payload: payload}))

	require.Eventually(t, func() bool {
		return len(rec.of(bus.EventAudioEnded)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, rec.of(bus.EventAudioStarted), 1)
	assert.Equal(t, 0, rec.of(bus.EventAudioStarted)[0].Int("index"))
	assert.Equal(t, 1, rec.of(bus.EventAudioEnded)[0].Int("last"))

	complete := rec.of(bus.EventAudioChunkComplete)
	require.Len(t, complete, 2)
	assert.Equal(t, int64(10), complete[0].Data["duration_ms"])
}

func TestPipeline_StaleSubmitRejected(t *testing.T) {
	p, rec := startPipeline(t, Config{})

	require.NoError(t, p.Submit(Chunk{Index: 4, Payload: []byte{1}}))
	require.Eventually(t, func() bool {
		return len(rec.completed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	err := p.Submit(Chunk{Index: 4, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrStale)
	err = p.Submit(Chunk{Index: 2, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrStale)
}

func TestPipeline_ResetDropsStaleResults(t *testing.T) {
	p, rec := startPipeline(t, Config{})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{100}}))
	time.Sleep(10 * time.Millisecond)
	p.Reset(0)

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{1, 1}}))

	require.Eventually(t, func() bool {
		return len(rec.of(bus.EventAudioEnded)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// let the slow decode land
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []int{0}, rec.completed())
	assert.Equal(t, int64(1), p.Stats().Scheduled)
}

func TestPipeline_ResetUnanchored(t *testing.T) {
	p, rec := startPipeline(t, Config{GapTimeout: time.Hour})

	require.NoError(t, p.Submit(Chunk{Index: 0, Payload: []byte{1}}))
	require.Eventually(t, func() bool {
		return len(rec.completed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p.Reset(-1)
	require.NoError(t, p.Submit(Chunk{Index: 7, Payload: []byte{1}}))

	require.Eventually(t, func() bool {
		return len(rec.completed()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 7}, rec.completed())
}

func TestPipeline_SubmitAfterClose(t *testing.T) {
	p := New(Config{}, nil, zerolog.Nop())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Submit(Chunk{Index: 0}), ErrClosed)
}
