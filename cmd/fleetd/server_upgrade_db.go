package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openqc/fleet/db"
	"github.com/openqc/fleet/pkg/config"
)

var serverUpgradeDBCmd = &cobra.Command{
	Use:   "upgrade-db",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return configError(err)
		}
		if err := db.Upgrade(cfg.Database.DSN); err != nil {
			return databaseError(err)
		}
		fmt.Println("database is up to date")
		return nil
	},
}
