package config

import (
	"runtime"
	"strings"
	"time"
)

// ApplyDefaults fills unset fields with their defaults. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	applyMetricsDefaults(&cfg.Metrics)
	applyStoreDefaults(cfg)
	applyDispatchDefaults(&cfg.Dispatch)
	applySchedulerDefaults(&cfg.Scheduler)
	applySweeperDefaults(&cfg.Sweeper)
	if cfg.Discovery.RefreshInterval == 0 {
		cfg.Discovery.RefreshInterval = 5 * time.Minute
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{
			"cpu", "alloc_objects", "alloc_space",
			"inuse_objects", "inuse_space", "goroutines",
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyStoreDefaults(cfg *Config) {
	if cfg.ControlPlane != nil {
		cfg.ControlPlane.ApplyDefaults()
	}
	for i := range cfg.Stores {
		cfg.Stores[i].Database.ApplyDefaults()
	}
}

func applyDispatchDefaults(cfg *DispatchConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HandlerConcurrency == 0 {
		cfg.HandlerConcurrency = runtime.NumCPU()
	}
	if cfg.MaxHandlerExtension == 0 {
		cfg.MaxHandlerExtension = 10 * time.Minute
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxPollingInterval == 0 {
		cfg.MaxPollingInterval = 30 * time.Second
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
}

func applySweeperDefaults(cfg *SweeperConfig) {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.RetentionPeriod == 0 {
		cfg.RetentionPeriod = 168 * time.Hour
	}
}

// GetDefaultConfig returns the configuration used when no file exists: a
// single sqlite store at the default state path, background workers on.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Stores: []NamedStore{{Key: "default"}},
	}
	ApplyDefaults(cfg)
	return cfg
}
