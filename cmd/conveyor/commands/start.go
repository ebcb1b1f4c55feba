package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/internal/telemetry"
	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/config"
	"github.com/conveyormq/conveyor/pkg/dispatcher"
	"github.com/conveyormq/conveyor/pkg/events"
	"github.com/conveyormq/conveyor/pkg/metrics"
	"github.com/conveyormq/conveyor/pkg/ops"
	"github.com/conveyormq/conveyor/pkg/outbox"
	"github.com/conveyormq/conveyor/pkg/router"
	"github.com/conveyormq/conveyor/pkg/scheduler"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the conveyor server",
	Long: `Start the conveyor server with the specified configuration.

The server opens every configured store, runs the dispatch loops for
registered topics, materializes timers and cron jobs, and serves the
operational HTTP endpoints (healthz, readyz, metrics).

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/conveyor/config.yaml.

Examples:
  # Start with the default config location
  conveyor start

  # Start with custom config file
  conveyor start --config /etc/conveyor/config.yaml

  # Start with environment variable overrides
  CONVEYOR_LOGGING_LEVEL=DEBUG conveyor start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "conveyor",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "conveyor",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	logger.Info("Configuration loaded", "stores", len(cfg.Stores), "level", cfg.Logging.Level)
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	var registry *prometheus.Registry
	var registerer prometheus.Registerer
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
		registerer = registry
	}

	// Open every configured store through discovery.
	infos := make([]router.StoreInfo, 0, len(cfg.Stores)+1)
	for _, s := range cfg.Stores {
		infos = append(infos, router.StoreInfo{Key: s.Key, Config: s.Database})
	}
	if cfg.ControlPlane != nil {
		infos = append(infos, router.StoreInfo{Key: router.ControlPlaneKey, Config: *cfg.ControlPlane})
	}

	rt, err := router.New(ctx, router.NewStaticDiscovery(infos), clock.WallClock)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer func() { _ = rt.Close() }()
	go rt.RunRefreshLoop(ctx, cfg.Discovery.RefreshInterval)

	emitter := events.NewLogEmitter()

	handlers := dispatcher.NewRegistry()
	if err := handlers.Register(outbox.TopicJoinWait, outbox.RoutedJoinWaitHandler(emitter, nil)); err != nil {
		return err
	}

	dispatchMetrics := metrics.NewDispatchMetrics(registerer)

	disp := dispatcher.New(rt, handlers, dispatcher.Options{
		BatchSize:           cfg.Dispatch.BatchSize,
		LeaseFor:            cfg.Dispatch.LeaseDuration,
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
		PollInterval:        cfg.Dispatch.PollInterval,
		HandlerConcurrency:  int64(cfg.Dispatch.HandlerConcurrency),
		MaxHandlerExtension: cfg.Dispatch.MaxHandlerExtension,
		Metrics:             dispatchMetrics,
		Emitter:             emitter,
	})

	sched := scheduler.New(rt, disp.Owner(), scheduler.Options{
		BatchSize:          cfg.Scheduler.BatchSize,
		MaxPollingInterval: cfg.Scheduler.MaxPollingInterval,
		LeaseTTL:           cfg.Scheduler.LeaseDuration,
		Metrics:            metrics.NewSchedulerMetrics(registerer),
	})

	sweeper := outbox.NewSweeper(rt, disp.Owner(), outbox.SweeperOptions{
		Interval:  cfg.Sweeper.CleanupInterval,
		Retention: cfg.Sweeper.RetentionPeriod,
		Metrics:   dispatchMetrics,
	})

	if cfg.Dispatch.BackgroundWorkersEnabled() {
		if err := disp.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dispatcher: %w", err)
		}
		sweeper.Start(ctx)
		if cfg.Scheduler.SchedulerEnabled() {
			sched.Start(ctx)
		}
		logger.Info("Background workers started", logger.KeyOwner, disp.Owner())
	} else {
		logger.Info("Background workers disabled")
	}

	var opsServer *ops.Server
	if cfg.Metrics.Enabled {
		opsServer = ops.New(fmt.Sprintf(":%d", cfg.Metrics.Port), rt, registry)
		opsServer.Start()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")
	<-sigChan
	signal.Stop(sigChan)
	logger.Info("Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", logger.KeyError, err)
		}
	}
	sched.Stop()
	sweeper.Stop()
	if err := disp.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Error("dispatcher shutdown error", logger.KeyError, err)
		return err
	}
	cancel()

	logger.Info("Server stopped gracefully")
	return nil
}
