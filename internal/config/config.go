// Package config provides configuration management for cortexlipsync
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. CORTEXLIPSYNC_ENGINE_BUFFER_THRESHOLD
const EnvPrefix = "CORTEXLIPSYNC"

// Config holds all application configuration
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Audio       AudioConfig       `mapstructure:"audio"`
	Render      RenderConfig      `mapstructure:"render"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Log         LogConfig         `mapstructure:"log"`
}

// EngineConfig configures the synchronization engine
type EngineConfig struct {
	BufferThreshold  int           `mapstructure:"buffer_threshold"` // frames buffered before Idle→Talking
	OverlapFrames    int           `mapstructure:"overlap_frames"`   // tail kept across a chunk boundary
	IdleInterval     time.Duration `mapstructure:"idle_interval"`
	TalkingInterval  time.Duration `mapstructure:"talking_interval"`
	CrossfadeFrames  int           `mapstructure:"crossfade_frames"`
	MaxMissHolds     int           `mapstructure:"max_miss_holds"`
	UnreadyTimeout   time.Duration `mapstructure:"unready_timeout"` // 0 holds an unready chunk forever
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
	DefaultAnimation string        `mapstructure:"default_animation"`
}

// CacheConfig bounds the decode cache
type CacheConfig struct {
	MaxEntries int   `mapstructure:"max_entries"`
	MaxBytes   int64 `mapstructure:"max_bytes"`
}

// AudioConfig configures the audio pipeline and output device
type AudioConfig struct {
	SampleRate    int           `mapstructure:"sample_rate"`
	Channels      int           `mapstructure:"channels"`
	DecodeWorkers int           `mapstructure:"decode_workers"`
	GapTimeout    time.Duration `mapstructure:"gap_timeout"`
	Format        string        `mapstructure:"format"` // default payload format: pcm16, wav, mp3, opus
	Volume        float64       `mapstructure:"volume"`
	Output        string        `mapstructure:"output"` // ebiten or null
}

// RenderConfig configures the render driver and window
type RenderConfig struct {
	ImageWorkers    int     `mapstructure:"image_workers"`
	Width           int     `mapstructure:"width"`
	Height          int     `mapstructure:"height"`
	Title           string  `mapstructure:"title"`
	SampleRateLimit float64 `mapstructure:"sample_rate_limit"` // frame samples per second sent to diagnostics
}

// TransportConfig configures the backend websocket
type TransportConfig struct {
	URL            string        `mapstructure:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

// DiagnosticsConfig configures the telemetry sink
type DiagnosticsConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"` // empty disables the /metrics listener
	Debug       bool   `mapstructure:"debug"`
}

// LogConfig configures logging
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Engine: EngineConfig{
			BufferThreshold:  10,
			OverlapFrames:    5,
			IdleInterval:     100 * time.Millisecond,
			TalkingInterval:  33 * time.Millisecond,
			CrossfadeFrames:  4,
			MaxMissHolds:     3,
			UnreadyTimeout:   5 * time.Second,
			DrainTimeout:     750 * time.Millisecond,
			StopGrace:        500 * time.Millisecond,
			DefaultAnimation: "idle_1",
		},
		Cache: CacheConfig{
			MaxEntries: 600,
			MaxBytes:   256 << 20,
		},
		Audio: AudioConfig{
			SampleRate:    24000,
			Channels:      1,
			DecodeWorkers: 2,
			GapTimeout:    2 * time.Second,
			Format:        "pcm16",
			Volume:        1.0,
			Output:        "ebiten",
		},
		Render: RenderConfig{
			ImageWorkers:    4,
			Width:           512,
			Height:          512,
			Title:           "cortexlipsync",
			SampleRateLimit: 2,
		},
		Transport: TransportConfig{
			URL:            "ws://localhost:8080/api/v1/avatar/stream",
			ReconnectDelay: 3 * time.Second,
			MaxBackoff:     60 * time.Second,
			ReadLimit:      8 << 20,
		},
		Diagnostics: DiagnosticsConfig{
			MetricsAddr: "",
			Debug:       false,
		},
		Log: LogConfig{
			Level:   "info",
			Dir:     filepath.Join(home, ".cortexlipsync", "logs"),
			Console: true,
		},
	}
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cortexlipsync"), nil
}

// New returns a viper instance with defaults, config paths and env overrides set.
// An explicit file path takes precedence over the search paths.
func New(file string) *viper.Viper {
	v := viper.New()
	apply(v.SetDefault, DefaultConfig())

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from file and environment. A missing config
// file is not an error; defaults apply.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return DefaultConfig(), err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// Save writes the configuration to path as yaml
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	v := viper.New()
	apply(v.Set, cfg)
	v.SetConfigType("yaml")
	return v.WriteConfigAs(path)
}

// Watch re-reads the config file on change and hands the new Config to fn.
// Decode errors are passed to fn with a nil Config.
func Watch(v *viper.Viper, fn func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			fn(nil, err)
			return
		}
		fn(cfg, nil)
	})
	v.WatchConfig()
}

// apply sets every leaf key with set. Registering leaves, not sections,
// is what lets AutomaticEnv overrides reach Unmarshal.
func apply(set func(string, any), d *Config) {
	set("engine.buffer_threshold", d.Engine.BufferThreshold)
	set("engine.overlap_frames", d.Engine.OverlapFrames)
	set("engine.idle_interval", d.Engine.IdleInterval)
	set("engine.talking_interval", d.Engine.TalkingInterval)
	set("engine.crossfade_frames", d.Engine.CrossfadeFrames)
	set("engine.max_miss_holds", d.Engine.MaxMissHolds)
	set("engine.unready_timeout", d.Engine.UnreadyTimeout)
	set("engine.drain_timeout", d.Engine.DrainTimeout)
	set("engine.stop_grace", d.Engine.StopGrace)
	set("engine.default_animation", d.Engine.DefaultAnimation)

	set("cache.max_entries", d.Cache.MaxEntries)
	set("cache.max_bytes", d.Cache.MaxBytes)

	set("audio.sample_rate", d.Audio.SampleRate)
	set("audio.channels", d.Audio.Channels)
	set("audio.decode_workers", d.Audio.DecodeWorkers)
	set("audio.gap_timeout", d.Audio.GapTimeout)
	set("audio.format", d.Audio.Format)
	set("audio.volume", d.Audio.Volume)
	set("audio.output", d.Audio.Output)

	set("render.image_workers", d.Render.ImageWorkers)
	set("render.width", d.Render.Width)
	set("render.height", d.Render.Height)
	set("render.title", d.Render.Title)
	set("render.sample_rate_limit", d.Render.SampleRateLimit)

	set("transport.url", d.Transport.URL)
	set("transport.reconnect_delay", d.Transport.ReconnectDelay)
	set("transport.max_backoff", d.Transport.MaxBackoff)
	set("transport.read_limit", d.Transport.ReadLimit)

	set("diagnostics.metrics_addr", d.Diagnostics.MetricsAddr)
	set("diagnostics.debug", d.Diagnostics.Debug)

	set("log.level", d.Log.Level)
	set("log.dir", d.Log.Dir)
	set("log.console", d.Log.Console)
}
