// Command fleetd runs the record/task/service core: the HTTP API, the
// manager heartbeat sweeper, and the service-iteration poll loop, all
// backed by a single Postgres database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes (§6): 0 success, 1 configuration error, 2 database
// unavailable, 3 graceful shutdown requested.
const (
	exitSuccess       = 0
	exitConfigError   = 1
	exitDatabaseError = 2
	exitShutdown      = 3
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		code := exitCodeFor(err)
		if code == exitShutdown {
			return code
		}
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		return code
	}
	return exitSuccess
}

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "fleetd runs the quantum-chemistry compute record/task/service core",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the server config file")
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the fleetd server process",
}

func init() {
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverUpgradeDBCmd)
	serverCmd.AddCommand(serverInitConfigCmd)
}
