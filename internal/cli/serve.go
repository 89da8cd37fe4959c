package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/evacsys/iotrelay/internal/config"
	"github.com/evacsys/iotrelay/internal/logger"
	"github.com/evacsys/iotrelay/internal/metrics"
	"github.com/evacsys/iotrelay/internal/observability"
	"github.com/evacsys/iotrelay/internal/tracing"
	"github.com/evacsys/iotrelay/pkg/forwarder"
	"github.com/evacsys/iotrelay/pkg/keepalive"
	"github.com/evacsys/iotrelay/pkg/relay"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay in the foreground",
	Long: `Run the relay in the foreground until SIGINT or SIGTERM.
Devices connect on the configured WebSocket path. The config file is watched
and changes to downstream or keepalive settings apply to new sessions.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loadConfig(cmd, loader)
	if err != nil {
		return err
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runRelay(ctx, cfg, loader, log.Component("relay"))
}

// loadConfig loads and validates the configuration, applying --log-level when given
func loadConfig(cmd *cobra.Command, loader *config.Loader) (*config.Config, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if flag := cmd.Flag("log-level"); flag != nil && flag.Changed {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
}

// sessionSettings builds the per-session settings, including a forwarder for the downstream
func sessionSettings(cfg *config.Config, log zerolog.Logger) (relay.Settings, error) {
	fwd, err := forwarder.New(forwarder.Config{
		Address:     cfg.Downstream.Address,
		Timeout:     cfg.ForwardTimeout(),
		DialRetries: cfg.Downstream.DialRetries,
		Logger:      log,
	})
	if err != nil {
		return relay.Settings{}, fmt.Errorf("failed to create forwarder: %w", err)
	}

	return relay.Settings{
		Forwarder: fwd,
		Keepalive: keepalive.Config{
			Interval: cfg.KeepaliveInterval(),
			Timeout:  cfg.KeepaliveTimeout(),
		},
		MaxConsecutiveFailures: cfg.Downstream.MaxConsecutiveFailures,
	}, nil
}

// runRelay starts the relay with its supporting services and blocks until ctx is done
func runRelay(ctx context.Context, cfg *config.Config, loader *config.Loader, log zerolog.Logger) error {
	if err := tracing.InitOpenTelemetry("iotrelay"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}()

	settings, err := sessionSettings(cfg, log)
	if err != nil {
		return err
	}

	var audit *observability.AuditLogger
	if cfg.Logging.AuditFile != "" {
		audit, err = observability.OpenAuditLog(cfg.Logging.AuditFile)
		if err != nil {
			return err
		}
		defer audit.Close()
	}

	m := metrics.NewMetrics()
	srv, err := relay.NewServer(relay.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Path:         cfg.Server.Path,
		ReadLimit:    cfg.Server.ReadLimitBytes,
		WriteTimeout: cfg.WriteTimeout(),
		HideMetrics:  !cfg.Metrics.Enabled,
		Settings:     settings,
		Metrics:      m,
		Audit:        audit,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("addr", srv.Addr()).
		Str("downstream", cfg.Downstream.Address).
		Msg("Relay started")

	if cfg.Metrics.Enabled && cfg.Metrics.StatsSchedule != "" {
		reporter, err := metrics.NewReporter(cfg.Metrics.StatsSchedule, srv.Snapshot, m, log)
		if err != nil {
			log.Warn().Err(err).Msg("Stats reporter disabled")
		} else {
			reporter.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				reporter.Stop(stopCtx)
			}()
		}
	}

	if loader != nil {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Loader: loader,
			OnChange: func(next *config.Config) {
				applyConfig(srv, next, audit, log)
			},
			Logger: log,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watching disabled")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watching disabled")
		} else {
			defer watcher.Stop()
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(stopCtx)
}

// applyConfig hands reloaded session settings to the server.
// Listener settings only take effect after a restart.
func applyConfig(srv *relay.Server, cfg *config.Config, audit *observability.AuditLogger, log zerolog.Logger) {
	metadata := map[string]interface{}{
		"downstream":               logger.NewRedactor().Redact(cfg.Downstream.Address),
		"keepalive_interval_s":     cfg.Keepalive.IntervalSeconds,
		"keepalive_timeout_s":      cfg.Keepalive.TimeoutSeconds,
		"max_consecutive_failures": cfg.Downstream.MaxConsecutiveFailures,
	}

	settings, err := sessionSettings(cfg, log)
	if err == nil {
		err = srv.UpdateSettings(settings)
	}
	if err != nil {
		log.Error().Err(err).Msg("Ignoring reloaded config")
		metadata["error"] = logger.NewRedactor().Redact(err.Error())
		audit.RecordConfig(context.Background(), "reloaded", "failure", metadata)
		return
	}

	audit.RecordConfig(context.Background(), "reloaded", "success", metadata)
}
