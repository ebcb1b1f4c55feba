// Package config loads and validates the process configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CONVEYOR_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conveyormq/conveyor/pkg/store"
)

// Config is the full process configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics configures the ops HTTP server (healthz/readyz/metrics).
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ControlPlane is the store holding system-level work (key
	// "__control_plane__"). Optional; when set it joins the routing set
	// like any other store.
	ControlPlane *store.Config `mapstructure:"control_plane" yaml:"control_plane,omitempty"`

	// Stores is the static discovery list of dispatch stores.
	Stores []NamedStore `mapstructure:"stores" validate:"dive" yaml:"stores"`

	// Dispatch tunes the claim/handle loops.
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`

	// Scheduler tunes timer/cron materialization.
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	// Sweeper tunes lease reaping and retention.
	Sweeper SweeperConfig `mapstructure:"sweeper" yaml:"sweeper"`

	// Discovery tunes routing-set refresh.
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
}

// NamedStore pairs a routing key with a store configuration.
type NamedStore struct {
	Key      string       `mapstructure:"key" validate:"required" yaml:"key"`
	Database store.Config `mapstructure:"database" yaml:"database"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS toward the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate in [0, 1].
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes selects which profiles to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the ops HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the ops HTTP port. Default 9090.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// DispatchConfig tunes the dispatcher loops.
type DispatchConfig struct {
	// BatchSize is the maximum rows per claim. Default 50.
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,gt=0" yaml:"batch_size"`

	// LeaseDuration is how long a claim holds a row. Default 30s.
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"omitempty,gt=0" yaml:"lease_duration"`

	// MaxAttempts is the transient-failure budget per message. Default 5.
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,gt=0" yaml:"max_attempts"`

	// PollInterval is the idle sleep between empty polls. Default 1s.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"omitempty,gt=0" yaml:"poll_interval"`

	// HandlerConcurrency bounds concurrent handlers. Default NumCPU.
	HandlerConcurrency int `mapstructure:"handler_concurrency" validate:"omitempty,gt=0" yaml:"handler_concurrency"`

	// MaxHandlerExtension caps lease renewal for one slow handler.
	// Default 10m.
	MaxHandlerExtension time.Duration `mapstructure:"max_handler_extension" yaml:"max_handler_extension"`

	// EnableBackgroundWorkers gates the dispatcher, scheduler and sweeper
	// loops. Disable for enqueue-only processes. Default true.
	EnableBackgroundWorkers *bool `mapstructure:"enable_background_workers" yaml:"enable_background_workers"`
}

// BackgroundWorkersEnabled resolves the tri-state flag.
func (c *DispatchConfig) BackgroundWorkersEnabled() bool {
	return c.EnableBackgroundWorkers == nil || *c.EnableBackgroundWorkers
}

// SchedulerConfig tunes timer and cron materialization.
type SchedulerConfig struct {
	// Enabled gates the scheduler loop. Default true.
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// BatchSize caps rows handled per pass. Default 50.
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,gt=0" yaml:"batch_size"`

	// MaxPollingInterval caps the sleep between passes. Default 30s.
	MaxPollingInterval time.Duration `mapstructure:"max_polling_interval" validate:"omitempty,gt=0" yaml:"max_polling_interval"`

	// LeaseDuration bounds one pass. Default 30s.
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"omitempty,gt=0" yaml:"lease_duration"`
}

// SchedulerEnabled resolves the tri-state flag.
func (c *SchedulerConfig) SchedulerEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SweeperConfig tunes maintenance sweeps.
type SweeperConfig struct {
	// CleanupInterval is the time between sweeps. Default 1h.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"omitempty,gt=0" yaml:"cleanup_interval"`

	// RetentionPeriod keeps terminal rows before deletion. Default 168h.
	RetentionPeriod time.Duration `mapstructure:"retention_period" validate:"omitempty,gt=0" yaml:"retention_period"`
}

// DiscoveryConfig tunes routing-set refresh.
type DiscoveryConfig struct {
	// RefreshInterval between discovery rounds. Default 5m.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"omitempty,gt=0" yaml:"refresh_interval"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location and falls back to pure
// defaults when no file exists there.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// CONVEYOR_LOGGING_LEVEL=DEBUG, CONVEYOR_DISPATCH_BATCH_SIZE=100, ...
	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook parses "30s", "5m", "1h" strings into time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/conveyor, falling back to
// ~/.config/conveyor.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conveyor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "conveyor")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
