package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openqc/fleet/pkg/config"
)

var serverInitConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a default server config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "fleetd.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.Write(config.Default(), path); err != nil {
			return configError(err)
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil
	},
}
