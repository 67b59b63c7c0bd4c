package tasks_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/records"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/tasks"
	"github.com/openqc/fleet/pkg/types"
)

const maxLimit = 10

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir() + "/mem.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newWaitingRecord(t *testing.T, store storage.Store, tag string) *types.Record {
	t.Helper()
	rec := &types.Record{ID: records.NewID(), RecordType: types.RecordTypeSingle, SpecificationID: "spec1", Tag: tag}
	require.NoError(t, records.Create(context.Background(), store, rec, []byte(`{"fn":"run"}`), []string{"psi4"}, nil))
	return rec
}

func TestClaimClipsLimitAboveMax(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for i := 0; i < maxLimit+5; i++ {
		newWaitingRecord(t, store, types.TagAny)
	}

	claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"psi4"}, maxLimit+1, maxLimit)
	require.NoError(t, err)
	require.Len(t, claimed, maxLimit, "claim must clip to the configured maximum, not reject")
}

func TestClaimRespectsTagPreferenceOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	wanted := newWaitingRecord(t, store, "gpu")
	_ = newWaitingRecord(t, store, "cpu")

	claimed, err := tasks.Claim(ctx, store, "mgr1", []string{"gpu", "cpu"}, []string{"psi4"}, 1, maxLimit)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, wanted.ID, claimed[0].RecordID)
}

func TestReturnPersistsSingleHistoryEntryWithOutputs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := newWaitingRecord(t, store, types.TagAny)

	claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"psi4"}, 10, maxLimit)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	failed, err := tasks.Return(ctx, store, "mgr1", []types.TaskResult{{
		RecordID: rec.ID, Success: true, Stdout: "converged", Stderr: "",
	}}, maxLimit)
	require.NoError(t, err)
	require.Empty(t, failed)

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusComplete, got.Status)
	require.Len(t, got.ComputeHistory, 1)
	require.Contains(t, got.ComputeHistory[0].Outputs, types.OutputStdout)
}

func TestReturnDiscardsLateResultAfterCancel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := newWaitingRecord(t, store, types.TagAny)

	claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"psi4"}, 10, maxLimit)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, _, err = records.ModifyStatus(ctx, store, []string{rec.ID}, records.ActionCancel, "")
	require.NoError(t, err)

	failed, err := tasks.Return(ctx, store, "mgr1", []types.TaskResult{{
		RecordID: rec.ID, Success: true, Stdout: "too late",
	}}, maxLimit)
	require.NoError(t, err)
	require.Empty(t, failed)

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, got.Status, "cancelled status must survive a late return")
	last := got.ComputeHistory[len(got.ComputeHistory)-1]
	require.Equal(t, "late return ignored", last.Note)
	require.Empty(t, last.Outputs)
}

func TestReturnRejectsBatchOverMax(t *testing.T) {
	store := newStore(t)
	results := make([]types.TaskResult, maxLimit+1)
	_, err := tasks.Return(context.Background(), store, "mgr1", results, maxLimit)
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ferrors.LimitExceeded, kind)
}

func TestResetRequeuesErroredRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := newWaitingRecord(t, store, types.TagAny)

	claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"psi4"}, 10, maxLimit)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = tasks.Return(ctx, store, "mgr1", []types.TaskResult{{
		RecordID: rec.ID, Success: false, Error: json.RawMessage(`{"msg":"boom"}`),
	}}, maxLimit)
	require.NoError(t, err)

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusError, got.Status)

	require.NoError(t, tasks.Reset(ctx, store, rec.ID, []byte(`{"fn":"run"}`), types.TagAny, types.PriorityNormal, []string{"psi4"}))

	got, err = records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusWaiting, got.Status)

	reclaimed, err := tasks.Claim(ctx, store, "mgr2", nil, []string{"psi4"}, 10, maxLimit)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, rec.ID, reclaimed[0].RecordID)
}
