package main

import (
	"github.com/spf13/cobra"

	"github.com/openqc/fleet/pkg/config"
)

// loadConfig reads the --config flag (inherited from rootCmd) and loads the
// server config, falling back to Default() when no path is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
