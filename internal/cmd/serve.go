package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core/engine"
	"github.com/namelens/symscan/internal/core/gateway"
	"github.com/namelens/symscan/internal/core/progress"
	"github.com/namelens/symscan/internal/core/store"
	errwrap "github.com/namelens/symscan/internal/errors"
	"github.com/namelens/symscan/internal/metrics"
	"github.com/namelens/symscan/internal/observability"
	"github.com/namelens/symscan/internal/server"
	"github.com/namelens/symscan/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// storeHealthChecker pings the database.
type storeHealthChecker struct {
	store *store.Store
}

func (s storeHealthChecker) CheckHealth(ctx context.Context) error {
	if s.store == nil || s.store.DB == nil {
		return errwrap.NewServiceUnavailableError("store not initialized")
	}
	return s.store.DB.PingContext(ctx)
}

// breakerHealthChecker reports degraded while the exchange breaker is open.
type breakerHealthChecker struct {
	gateway *gateway.Gateway
}

func (b breakerHealthChecker) CheckHealth(ctx context.Context) error {
	state := b.gateway.Stats().Breaker
	if state.IsOpen {
		return &handlers.DegradedError{
			Reason: fmt.Sprintf("exchange circuit breaker open after %d failures", state.FailureCount),
		}
	}
	return nil
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

const serverGaugeInterval = 15 * time.Second

// reportServerGauges publishes uptime and the number of open event streams
// until ctx ends.
func reportServerGauges(ctx context.Context, startedAt time.Time, events *progress.Broadcaster, interval time.Duration) {
	report := func() {
		metrics.SetServerUptime(int64(time.Since(startedAt).Seconds()))
		if events != nil {
			metrics.SetActiveConnections(int64(events.Subscribers()))
		}
	}

	report()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

Scans are triggered with POST /api/v1/scans, or run on a schedule when
scanner.scan_interval is set.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (logging level; other settings need a restart)

In-flight scans are cancelled on shutdown; results validated so far are stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		namespace := observability.ServiceName
		observability.InitServerLogger(observability.ServiceName, cfg.Logging.Level, namespace)
		logger := observability.ServerLogger

		metricsPort := cfg.Metrics.Port
		if metricsPort == 0 {
			metricsPort = 9090
		}
		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(observability.ServiceName, metricsPort, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.Wrap(cmd.Context(), errwrap.CodeInternal, err, "metrics initialization failed")
			}
		}
		startedAt := time.Now()
		metrics.SetServerStartTime(startedAt.Unix())

		logger.Info("Initializing server",
			zap.String("service", observability.ServiceName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", metricsPort),
			zap.String("exchange", cfg.Exchange.BaseURL))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, cfg, logger, appOptions{Events: true})
		if err != nil {
			return err
		}

		a.gateway.Start(ctx, cfg.Gateway.SweepInterval)
		if cfg.Scanner.ScanInterval > 0 {
			logger.Info("Scheduled scans enabled", zap.Duration("interval", cfg.Scanner.ScanInterval))
			go a.scanner.RunEvery(ctx, cfg.Scanner.ScanInterval, engine.RunOptions{})
		}

		go reportServerGauges(ctx, startedAt, a.events, serverGaugeInterval)

		hm := handlers.NewHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", storeHealthChecker{store: a.store})
		hm.RegisterChecker("exchange_breaker", breakerHealthChecker{gateway: a.gateway})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		api := &handlers.API{
			Scanner:     a.scanner,
			Assets:      a.store,
			Gateway:     a.gateway,
			Events:      a.events,
			BaseContext: ctx,
		}
		srv := server.New(cfg.Server, api, hm)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: server, then scans and store, then logger.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Cancelling scans and closing store...")
			cancel()
			return a.Close()
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, stop := context.WithTimeout(ctx, shutdownTimeout)
			defer stop()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.Wrap(ctx, errwrap.CodeInternal, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			return reloadConfig(ctx, a)
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			_ = a.Close()
			return errwrap.Wrap(cmd.Context(), errwrap.CodeInternal, err, "server error")
		}

		return nil
	},
}

// reloadConfig re-reads the config file on SIGHUP. Only the logging level is
// applied to the running process.
func reloadConfig(ctx context.Context, a *app) error {
	logger := observability.ServerLogger
	logger.Info("Received SIGHUP: attempting config reload")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Error("Failed to reload config file",
				zap.String("file", viper.ConfigFileUsed()),
				zap.Error(err))
			return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "config reload failed")
		}
		logger.Info("No config file found - using defaults and environment variables")
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Reloaded configuration is invalid; keeping the running one", zap.Error(err))
		return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "config reload failed")
	}

	applyReload(a, cfg)
	logger.Info("Configuration reloaded successfully",
		zap.String("file", viper.ConfigFileUsed()),
		zap.String("log_level", cfg.Logging.Level))
	return nil
}

func applyReload(a *app, cfg *config.Config) {
	observability.SetLogLevel(a.logger, cfg.Logging.Level)
	a.cfg = cfg
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
