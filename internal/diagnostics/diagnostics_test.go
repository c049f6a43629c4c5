package diagnostics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/frames"
)

func scrape(t *testing.T, s *Sink) string {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestEvent_CountsByName(t *testing.T) {
	s := New(zerolog.Nop())

	s.Event("underrun", map[string]any{"chunk": 3})
	s.Event("underrun", nil)
	s.Event("cache_miss", nil)

	out := scrape(t, s)
	assert.Contains(t, out, `lipsync_events_total{name="underrun"} 2`)
	assert.Contains(t, out, `lipsync_events_total{name="cache_miss"} 1`)
	assert.Contains(t, out, "lipsync_bus_dropped_events 0")
}

func TestFrameSample_UpdatesGauges(t *testing.T) {
	s := New(zerolog.Nop())

	s.FrameSample(4, 17, "talk", frames.SyncMatched, 29.5)
	s.FrameSample(5, 0, "talk", frames.SyncLoop, 30.25)

	out := scrape(t, s)
	assert.Contains(t, out, "lipsync_render_fps 30.25")
	assert.Contains(t, out, "lipsync_current_chunk 5")
	assert.Contains(t, out, `lipsync_frame_samples_total{sync="matched"} 1`)
	assert.Contains(t, out, `lipsync_frame_samples_total{sync="loop"} 1`)
}

func TestAttach_RecordsBusEvents(t *testing.T) {
	b := bus.New(0)
	defer b.Close()

	s := New(zerolog.Nop())
	sub := s.Attach(b)
	defer sub.Unsubscribe()

	b.Publish(bus.EventUnderrun, map[string]any{"chunk": 1})
	b.Publish(bus.EventAudioChunkComplete, map[string]any{"index": 0, "duration_ms": int64(500)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))

	out := scrape(t, s)
	assert.Contains(t, out, `lipsync_events_total{name="engine.underrun"} 1`)
	assert.Contains(t, out, "lipsync_audio_scheduled_seconds_total 0.5")
	assert.Contains(t, out, "lipsync_bus_dropped_events 0")
}

func TestServe_StopsOnCancel(t *testing.T) {
	s := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestTracerProvider_ObservesSpans(t *testing.T) {
	s := New(zerolog.Nop())
	tr := s.TracerProvider().Tracer("decode")

	_, sp := tr.Start(context.Background(), "image.decode", trace.WithAttributes(attribute.Int("image.bytes", 64)))
	assert.True(t, sp.IsRecording())
	sp.RecordError(errors.New("bad header"))
	sp.SetStatus(codes.Error, "bad header")
	sp.End()
	sp.End()
	assert.False(t, sp.IsRecording())

	ctx, audioSpan := tr.Start(context.Background(), "audio.decode")
	audioSpan.End()
	assert.Equal(t, audioSpan, trace.SpanFromContext(ctx))

	out := scrape(t, s)
	assert.Contains(t, out, `lipsync_span_duration_seconds_count{span="image.decode",status="Error"} 1`)
	assert.Contains(t, out, `lipsync_span_duration_seconds_count{span="audio.decode",status="Unset"} 1`)
}

func TestHandle_AddsRoutes(t *testing.T) {
	s := New(zerolog.Nop())
	s.Handle("/debug/ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))

	srv := httptest.NewServer(s.mux())
	defer srv.Close()

	for path, want := range map[string]string{"/debug/ping": "pong", "/metrics": "lipsync_bus_dropped_events"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Contains(t, string(body), want)
	}
}
