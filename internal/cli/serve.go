package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/logger"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/eventlog"
	"github.com/harun/tether/pkg/gateway"
	"github.com/harun/tether/pkg/session"
	"github.com/harun/tether/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session host daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry("tether"); err != nil {
		zl.Warn().Err(err).Msg("Tracing init failed, continuing without")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	engine, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		Logger:      zl,
		MaxAttempts: cfg.Storage.MaxAttempts,
		RetryBase:   time.Duration(cfg.Storage.RetryBaseMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer engine.Close()

	registry := session.NewRegistry(engine, zl)

	// No producer survives a restart; reconcile orphaned sessions first.
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := registry.MarkAllRunningAsStopped(startupCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to reconcile sessions: %w", err)
	}
	cancel()

	log, err := eventlog.New(eventlog.Config{
		Engine: engine,
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw, err = gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			EventLog:     log,
			Sessions:     registry,
			Logger:       zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
		log.SetNotifier(gw.Hub())

		if err := gw.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	var retention *session.Retention
	if cfg.Retention.Enabled {
		retention, err = session.NewRetention(session.RetentionConfig{
			Registry:  registry,
			Sequences: log,
			MaxAge:    cfg.RetentionMaxAge(),
			Schedule:  cfg.Retention.Cron,
			Logger:    zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create retention sweeper: %w", err)
		}
		if err := retention.Start(); err != nil {
			return fmt.Errorf("failed to start retention sweeper: %w", err)
		}
	}

	watcher, err := config.NewWatcher(loader, zl, func(updated *config.Config) {
		if err := logger.SetLevel(updated.Logging.Level); err != nil {
			zl.Warn().Err(err).Msg("Ignoring invalid log level from config reload")
		}
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	}

	zl.Info().Str("data_dir", cfg.DataDir).Msg("Tether started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Shutting down")

	if watcher != nil {
		_ = watcher.Stop()
	}
	if retention != nil {
		retention.Stop()
	}
	if gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Stop(ctx); err != nil {
			zl.Warn().Err(err).Msg("Gateway shutdown error")
		}
	}

	return nil
}
