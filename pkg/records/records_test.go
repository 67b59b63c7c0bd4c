package records_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/records"
	"github.com/openqc/fleet/pkg/storage"
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
	rec := &types.Record{ID: records.NewID(), RecordType: types.RecordTypeSingle, SpecificationID: "spec1"}
	require.NoError(t, records.Create(context.Background(), store, rec, []byte(`{}`), nil, nil))
	return rec
}

func TestCreateDefaultsTagAndPriority(t *testing.T) {
	store := newStore(t)
	rec := &types.Record{ID: records.NewID(), RecordType: types.RecordTypeSingle, SpecificationID: "spec1"}
	require.NoError(t, records.Create(context.Background(), store, rec, []byte(`{}`), nil, nil))

	got, err := records.Get(context.Background(), store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.TagAny, got.Tag)
	require.Equal(t, types.PriorityNormal, got.Priority)
	require.Equal(t, types.StatusWaiting, got.Status)
}

func TestModifyStatusCancelWaiting(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := newWaitingRecord(t, store)

	ok, failed, err := records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionCancel, "admin cancel")
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Equal(t, []string{rec.ID}, ok)

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, got.Status)
	require.Len(t, got.ComputeHistory, 1)
}

func TestModifyStatusRejectsIllegalTransition(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := newWaitingRecord(t, store)

	// waiting -> reset is not in the transition table (reset only applies
	// from running/error/cancelled-running-orphan per §4.3).
	ok, failed, err := records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionReset, "")
	require.Error(t, err)
	require.Empty(t, ok)
	require.Equal(t, []string{rec.ID}, failed)

	kind, hasKind := ferrors.KindOf(err)
	require.True(t, hasKind)
	require.Equal(t, ferrors.InvalidTransition, kind)
}

func TestSoftDeleteThenUndeleteRestoresPriorStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := newWaitingRecord(t, store)

	_, _, err := records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionCancel, "")
	require.NoError(t, err)
	_, _, err = records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionSoftDelete, "")
	require.NoError(t, err)

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusDeleted, got.Status)

	_, _, err = records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionUndelete, "")
	require.NoError(t, err)

	got, err = records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, got.Status, "undelete must restore the status recorded at delete time")
}

func TestHardDeleteRequiresSoftDeleteFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := newWaitingRecord(t, store)

	_, failed, err := records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionHardDelete, "")
	require.Error(t, err)
	require.Equal(t, []string{rec.ID}, failed)

	_, _, err = records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionSoftDelete, "")
	require.NoError(t, err)
	ok, _, err := records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionHardDelete, "")
	require.NoError(t, err)
	require.Equal(t, []string{rec.ID}, ok)

	_, err = records.Get(ctx, store, rec.ID)
	require.Error(t, err)
}

func TestBatchModifyStatusIsolatesFailures(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	a := newWaitingRecord(t, store)
	b := newWaitingRecord(t, store)
	_, _, err := records.ModifyStatus(ctx, store, []string{a.ID}, records.ActionCancel, "")
	require.NoError(t, err)

	ok, failed, err := records.ModifyStatus(ctx, store, []string{a.ID, b.ID}, records.ActionCancel, "")
	require.Error(t, err, "a is already cancelled so cancel-again is illegal")
	require.Equal(t, []string{b.ID}, ok)
	require.Equal(t, []string{a.ID}, failed)
}
