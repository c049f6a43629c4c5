package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	v := New(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load(v)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Engine, cfg.Engine)
	assert.Equal(t, def.Audio, cfg.Audio)
	assert.Equal(t, def.Transport.URL, cfg.Transport.URL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
engine:
  buffer_threshold: 4
  talking_interval: 40ms
audio:
  format: opus
  sample_rate: 48000
diagnostics:
  debug: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(New(path))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.BufferThreshold)
	assert.Equal(t, 40*time.Millisecond, cfg.Engine.TalkingInterval)
	assert.Equal(t, 5, cfg.Engine.OverlapFrames)
	assert.Equal(t, "opus", cfg.Audio.Format)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.True(t, cfg.Diagnostics.Debug)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(EnvPrefix+"_ENGINE_OVERLAP_FRAMES", "9")
	t.Setenv(EnvPrefix+"_TRANSPORT_URL", "ws://example.test/stream")

	cfg, err := Load(New(filepath.Join(t.TempDir(), "none.yaml")))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Engine.OverlapFrames)
	assert.Equal(t, "ws://example.test/stream", cfg.Transport.URL)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0644))

	cfg, err := Load(New(path))
	assert.Error(t, err)
	assert.Equal(t, DefaultConfig().Engine, cfg.Engine)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Engine.BufferThreshold = 7
	cfg.Audio.Format = "wav"
	cfg.Render.Title = "avatar"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(New(path))
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Engine.BufferThreshold)
	assert.Equal(t, "wav", loaded.Audio.Format)
	assert.Equal(t, "avatar", loaded.Render.Title)
	assert.Equal(t, cfg.Cache.MaxEntries, loaded.Cache.MaxEntries)
}
