package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyormq/conveyor/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate a conveyor configuration file without starting the server.

Exits non-zero when the configuration fails to load or validate.

Examples:
  # Validate default config
  conveyor config validate

  # Validate specific file
  conveyor config validate --config /etc/conveyor/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Printf("Configuration is valid (%d stores)\n", len(cfg.Stores))
	return nil
}
