// Package main provides the CLI entry point for the lip-sync avatar player.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	ebaudio "github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/diagnostics"
	"github.com/normanking/cortexlipsync/internal/logging"
	"github.com/normanking/cortexlipsync/internal/render"
	"github.com/normanking/cortexlipsync/internal/session"
	"github.com/normanking/cortexlipsync/internal/surface"
	"github.com/normanking/cortexlipsync/internal/transport"
)

// Version information (set at build time)
var version = "dev"

type app struct {
	cfgFile  string
	logLevel string

	v      *viper.Viper
	cfg    *config.Config
	log    *logging.Logger
	logger zerolog.Logger
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "lipsync",
		Short:         "Streamed lip-sync avatar player",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				a.log.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default ~/.cortexlipsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(a.playCmd(), a.configCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	a.v = config.New(a.cfgFile)
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		if err := a.v.BindPFlag("log.level", f); err != nil {
			return err
		}
	}
	if f := cmd.Flags().Lookup("url"); f != nil && f.Changed {
		if err := a.v.BindPFlag("transport.url", f); err != nil {
			return err
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	a.log, err = logging.New(&logging.Config{
		Dir:     cfg.Log.Dir,
		Level:   logging.LogLevel(cfg.Log.Level),
		Console: cfg.Log.Console,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	a.logger = a.log.Component("cli")
	return nil
}

func (a *app) playCmd() *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Connect to the backend and play the avatar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.play(cmd.Context(), headless)
		},
	}
	cmd.Flags().String("url", "", "backend websocket url")
	cmd.Flags().BoolVar(&headless, "headless", false, "run without a window or audio device")
	return cmd
}

func (a *app) play(ctx context.Context, headless bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := a.cfg

	var out audio.Output
	if !headless && cfg.Audio.Output == "ebiten" {
		eo, err := audio.NewEbitenOutput(ebaudio.NewContext(cfg.Audio.SampleRate), cfg.Audio.Volume)
		if err != nil {
			return fmt.Errorf("open audio output: %w", err)
		}
		out = eo
	}

	sink := diagnostics.New(a.log.Zerolog())
	sink.Handle("/debug/logs", a.log.HistoryHandler())
	otel.SetTracerProvider(sink.TracerProvider())

	sess := session.New(cfg, a.log.Zerolog(), session.WithOutput(out), session.WithDiagnostics(sink))
	sess.SetDebugMode(cfg.Diagnostics.Debug)
	sess.Start()
	defer sess.Close()

	if cfg.Diagnostics.MetricsAddr != "" {
		go func() {
			if err := sink.Serve(ctx, cfg.Diagnostics.MetricsAddr); err != nil {
				a.logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	config.Watch(a.v, func(next *config.Config, err error) {
		if err != nil {
			a.logger.Warn().Err(err).Msg("Config reload failed")
			return
		}
		a.log.SetLevel(logging.LogLevel(next.Log.Level))
		sess.SetDebugMode(next.Diagnostics.Debug)
		a.logger.Info().Msg("Config reloaded")
	})

	client := transport.NewClient(transport.Config{
		URL:            cfg.Transport.URL,
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		MaxBackoff:     cfg.Transport.MaxBackoff,
		ReadLimit:      cfg.Transport.ReadLimit,
	}, sess, sess.Bus(), a.log.Zerolog())
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	a.logger.Info().
		Str("session", sess.ID()).
		Bool("headless", headless).
		Str("logFile", a.log.Path()).
		Msg("Playback started")

	driver := render.New(sess, nil, a.log.Zerolog(), render.WithSampler(sink, cfg.Render.SampleRateLimit))
	if headless {
		return driver.Run(ctx)
	}

	win := surface.New(driver, sess.Interval, cfg.Render.Width, cfg.Render.Height, a.log.Zerolog())
	return win.Run(cfg.Render.Title)
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfgFile
			if path == "" {
				dir, err := config.Dir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "config.yaml")
			}
			if err := config.Save(a.cfg, path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Println("Wrote", path)
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lipsync", version)
		},
	}
}
