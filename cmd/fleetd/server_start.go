package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openqc/fleet/pkg/api"
	"github.com/openqc/fleet/pkg/config"
	"github.com/openqc/fleet/pkg/log"
	"github.com/openqc/fleet/pkg/managers"
	"github.com/openqc/fleet/pkg/metrics"
	"github.com/openqc/fleet/pkg/service"
	"github.com/openqc/fleet/pkg/storage"
)

// serviceIteratorName is the fixed identity the background service-
// iteration loop claims waves under; it is not an activated manager, just
// the manager_name stamped on the service records each pass claims.
const serviceIteratorName = "fleetd-iterator"

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the HTTP API, manager sweeper, and service iterator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return configError(err)
		}
		log.Init(log.Config{Level: cfg.LogLevel(), JSONOutput: cfg.Logging.JSON})
		metrics.SetVersion(Version)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err := storage.NewPGStore(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		cancel()
		if err != nil {
			metrics.RegisterComponent("storage", false, err.Error())
			return databaseError(err)
		}
		defer func() { _ = store.Close() }()
		metrics.RegisterComponent("storage", true, "")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sweeper := managers.NewSweeper(store, cfg.Heartbeat.Period, cfg.Heartbeat.MaxMissed, cfg.Heartbeat.SweepInterval)
		go sweeper.Run(runCtx)

		registry := service.DefaultRegistry()
		go runServiceIteratorLoop(runCtx, store, registry, cfg.Heartbeat.SweepInterval)

		srv := api.NewServer(store, cfg)
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("fleetd listening")
		if err := srv.ListenAndServe(runCtx, cfg.ListenAddr); err != nil {
			return databaseError(err)
		}

		log.Logger.Info().Msg("fleetd shut down gracefully")
		return shutdownError(nil)
	},
}

// runServiceIteratorLoop drives pkg/service.RunOnce on a fixed interval
// until ctx is cancelled, giving every "*"-tagged service record a chance
// to advance one wave per tick.
func runServiceIteratorLoop(ctx context.Context, store storage.Store, registry service.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := service.RunOnce(ctx, store, registry, serviceIteratorName, []string{"*"}, 50)
			if err != nil {
				log.Errorf("service iteration pass failed", err)
				continue
			}
			if n > 0 {
				log.Logger.Debug().Int("iterated", n).Msg("service iteration pass")
			}
		}
	}
}
