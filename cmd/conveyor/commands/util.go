package commands

import (
	"fmt"

	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/pkg/config"
	"github.com/conveyormq/conveyor/pkg/store"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// openStore opens the configured store named by key. An empty key selects
// the sole configured store and errors when several are configured.
func openStore(cfg *config.Config, key string) (*store.Store, string, error) {
	if key == "" {
		if len(cfg.Stores) != 1 {
			return nil, "", fmt.Errorf("%d stores configured, select one with --store", len(cfg.Stores))
		}
		key = cfg.Stores[0].Key
	}
	for i := range cfg.Stores {
		if cfg.Stores[i].Key == key {
			s, err := store.Open(&cfg.Stores[i].Database)
			if err != nil {
				return nil, "", fmt.Errorf("open store %q: %w", key, err)
			}
			return s, key, nil
		}
	}
	return nil, "", fmt.Errorf("store %q is not configured", key)
}
