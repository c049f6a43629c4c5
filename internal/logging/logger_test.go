package logging

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(LevelDebug))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(LevelError))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestLogger_FileAndHistory(t *testing.T) {
	dir := t.TempDir()
	l, err := New(&Config{Dir: dir, Level: LevelDebug, MaxHistory: 3})
	require.NoError(t, err)
	defer l.Close()

	log := l.Component("engine")
	for i := range 5 {
		log.Info().Int("i", i).Msg("tick")
	}

	hist := l.History(0)
	require.Len(t, hist, 3)
	assert.Equal(t, "tick", hist[2].Message)
	assert.Equal(t, "info", hist[2].Level)
	assert.Len(t, l.History(2), 2)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"engine"`)
}

func TestLogger_NoOutputs(t *testing.T) {
	l, err := New(&Config{Level: LevelInfo})
	require.NoError(t, err)
	defer l.Close()

	assert.Empty(t, l.Path())
	zl := l.Zerolog()
	zl.Info().Msg("discarded")
	assert.NotEmpty(t, l.History(0))
}

func TestLogger_HistoryHandler(t *testing.T) {
	l, err := New(&Config{Level: LevelInfo, MaxHistory: 10})
	require.NoError(t, err)
	defer l.Close()

	log := l.Component("engine")
	log.Info().Msg("first")
	log.Warn().Msg("second")

	srv := httptest.NewServer(l.HistoryHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var entries []LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "warn", entries[1].Level)

	bad, err := srv.Client().Get(srv.URL + "?limit=x")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}
