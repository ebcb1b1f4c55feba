package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyormq/conveyor/pkg/store"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	require.Len(t, cfg.Stores, 1)
	assert.Equal(t, "default", cfg.Stores[0].Key)
	assert.Equal(t, store.DatabaseTypeSQLite, cfg.Stores[0].Database.Type)
	assert.True(t, cfg.Dispatch.BackgroundWorkersEnabled())
	assert.True(t, cfg.Scheduler.SchedulerEnabled())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
  format: json
dispatch:
  batch_size: 10
  lease_duration: 45s
  enable_background_workers: false
scheduler:
  enabled: false
stores:
  - key: main
    database:
      type: sqlite
      sqlite:
        path: /tmp/conveyor-test.db
  - key: overflow
    database:
      connectionstring: postgres://c:c@localhost:5432/conveyor
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Dispatch.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.LeaseDuration)
	assert.False(t, cfg.Dispatch.BackgroundWorkersEnabled())
	assert.False(t, cfg.Scheduler.SchedulerEnabled())

	// Unset knobs still get defaults.
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Sweeper.CleanupInterval)

	require.Len(t, cfg.Stores, 2)
	assert.Equal(t, store.DatabaseTypeSQLite, cfg.Stores[0].Database.Type)
	assert.Equal(t, store.DatabaseTypePostgres, cfg.Stores[1].Database.Type)
	assert.Equal(t, "conveyor", cfg.Stores[1].Database.SchemaName)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	t.Run("reserved store key", func(t *testing.T) {
		path := writeConfigFile(t, `
stores:
  - key: __control_plane__
    database:
      type: sqlite
      sqlite:
        path: /tmp/a.db
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reserved")
	})

	t.Run("duplicate store key", func(t *testing.T) {
		path := writeConfigFile(t, `
stores:
  - key: main
    database:
      type: sqlite
      sqlite:
        path: /tmp/a.db
  - key: main
    database:
      type: sqlite
      sqlite:
        path: /tmp/b.db
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("bad log level", func(t *testing.T) {
		path := writeConfigFile(t, `
logging:
  level: verbose
stores:
  - key: main
    database:
      type: sqlite
      sqlite:
        path: /tmp/a.db
`)
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidateRequiresAStore(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one store")
}

func TestSaveConfigRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(GetDefaultConfig(), path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Stores, 1)
	assert.Equal(t, "default", cfg.Stores[0].Key)
}
