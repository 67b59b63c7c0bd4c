package managers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openqc/fleet/pkg/managers"
	"github.com/openqc/fleet/pkg/records"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/tasks"
	"github.com/openqc/fleet/pkg/types"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir() + "/mem.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newWaitingRecord(t *testing.T, store storage.Store) *types.Record {
	t.Helper()
	rec := &types.Record{ID: records.NewID(), RecordType: types.RecordTypeSingle, SpecificationID: "spec1", Tag: types.TagAny}
	require.NoError(t, records.Create(context.Background(), store, rec, []byte(`{"fn":"run"}`), []string{"psi4"}, nil))
	return rec
}

func TestActivateRegistersManager(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mgr, err := managers.Activate(ctx, store, "mgr1", "cluster-a", "host-a", []string{"gpu", "*"}, []string{"psi4"})
	require.NoError(t, err)
	require.Equal(t, types.ManagerActive, mgr.Status)

	list, err := managers.List(ctx, store, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "mgr1", list[0].Name)
}

func TestHeartbeatAndSweepReclaimsRunningRecords(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := managers.Activate(ctx, store, "mgr1", "", "", []string{types.TagAny}, []string{"psi4"})
	require.NoError(t, err)

	var recs []*types.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, newWaitingRecord(t, store))
	}
	claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"psi4"}, 10, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 5)

	for _, r := range recs {
		got, err := records.Get(ctx, store, r.ID)
		require.NoError(t, err)
		require.Equal(t, types.StatusRunning, got.Status)
	}

	sweeper := managers.NewSweeper(store, time.Millisecond, 1, time.Millisecond)
	time.Sleep(3 * time.Millisecond)
	require.NoError(t, sweeper.SweepOnce(ctx))

	list, err := managers.List(ctx, store, true)
	require.NoError(t, err)
	require.Empty(t, list, "manager should have gone inactive")

	for _, r := range recs {
		got, err := records.Get(ctx, store, r.ID)
		require.NoError(t, err)
		require.Equal(t, types.StatusWaiting, got.Status, "record must be reclaimed to waiting")
		require.Empty(t, got.ManagerName)
	}

	reclaimed, err := tasks.Claim(ctx, store, "mgr2", nil, []string{"psi4"}, 10, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 5, "reclaimed task rows must be claimable again")
}

func TestDeactivateReclaimsImmediately(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := managers.Activate(ctx, store, "mgr1", "", "", []string{types.TagAny}, []string{"psi4"})
	require.NoError(t, err)
	rec := newWaitingRecord(t, store)

	claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"psi4"}, 10, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := managers.Deactivate(ctx, store, "mgr1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusWaiting, got.Status)
}
