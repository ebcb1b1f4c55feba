package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags plus the cross-field rules the tags cannot
// express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if len(cfg.Stores) == 0 && cfg.ControlPlane == nil {
		return fmt.Errorf("at least one store (or a control plane store) must be configured")
	}

	seen := map[string]struct{}{}
	for _, s := range cfg.Stores {
		if s.Key == "__control_plane__" {
			return fmt.Errorf("store key __control_plane__ is reserved; use the control_plane section")
		}
		if _, dup := seen[s.Key]; dup {
			return fmt.Errorf("duplicate store key %q", s.Key)
		}
		seen[s.Key] = struct{}{}
		if err := s.Database.Validate(); err != nil {
			return fmt.Errorf("store %q: %w", s.Key, err)
		}
	}

	if cfg.ControlPlane != nil {
		if err := cfg.ControlPlane.Validate(); err != nil {
			return fmt.Errorf("control plane store: %w", err)
		}
	}
	return nil
}
