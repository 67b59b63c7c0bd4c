// Package managers implements the manager registry (C6, §4.6): activation,
// heartbeats, and the periodic sweep that reclaims a stale manager's
// in-flight records back to the task queue.
package managers

import (
	"context"
	"time"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/log"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// Activate registers a manager at startup, or reactivates an existing one
// that reconnects under the same name (§4.6: "Each manager calls activate
// ... at startup").
func Activate(ctx context.Context, store storage.Store, name, cluster, hostname string, tags, programs []string) (*types.Manager, error) {
	if name == "" {
		return nil, ferrors.New(ferrors.DeveloperError, "manager name must not be empty")
	}
	mgr := &types.Manager{
		Name:     name,
		Cluster:  cluster,
		Hostname: hostname,
		Tags:     tags,
		Programs: programs,
	}
	if err := store.RegisterManager(ctx, mgr); err != nil {
		return nil, err
	}
	log.WithManagerName(name).Info().Strs("tags", tags).Strs("programs", programs).Msg("manager activated")
	return mgr, nil
}

// Heartbeat records a liveness ping from an already-activated manager.
func Heartbeat(ctx context.Context, store storage.Store, name string) error {
	return store.Heartbeat(ctx, name)
}

// Deactivate reclaims the named manager's running records to waiting
// immediately rather than waiting out the heartbeat deadline, and returns
// how many were reclaimed. It does not change the manager's own status: the
// registry keeps the manager active until a sweep finds its heartbeat stale.
func Deactivate(ctx context.Context, store storage.Store, name string) (int, error) {
	reclaimed, err := store.RequeueOrphanedTasks(ctx, name)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		log.WithManagerName(name).Info().Int("reclaimed", reclaimed).Msg("manager deactivated, records requeued")
	}
	return reclaimed, nil
}

// List returns registered managers, optionally filtered to active ones.
func List(ctx context.Context, store storage.Store, activeOnly bool) ([]*types.Manager, error) {
	return store.ListManagers(ctx, activeOnly)
}

// Sweeper periodically detects managers that have missed too many
// heartbeats and reclaims their in-flight records to waiting (§4.6, §8
// scenario 4). Run as a single background goroutine; concurrent sweeps are
// safe (each sweep is one store-level transaction) but redundant.
type Sweeper struct {
	Store     storage.Store
	Period    time.Duration
	MaxMissed int
	Interval  time.Duration
}

// NewSweeper builds a Sweeper from the heartbeat configuration.
func NewSweeper(store storage.Store, period time.Duration, maxMissed int, interval time.Duration) *Sweeper {
	return &Sweeper{Store: store, Period: period, MaxMissed: maxMissed, Interval: interval}
}

// Run blocks, sweeping on Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Errorf("manager heartbeat sweep failed", err)
			}
		}
	}
}

// SweepOnce runs a single sweep pass, marking managers inactive past
// MaxMissed*Period since their last heartbeat and reclaiming the running
// records assigned to them. The ids of the reclaimed records are logged;
// only an error is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	reclaimed, err := s.Store.SweepInactiveManagers(ctx, s.MaxMissed, s.Period)
	if err != nil {
		return err
	}
	if len(reclaimed) > 0 {
		log.Logger.Info().Strs("reclaimed_records", reclaimed).Msg("swept inactive managers")
	}
	return nil
}
