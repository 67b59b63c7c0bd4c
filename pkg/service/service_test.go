package service_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqc/fleet/pkg/outputs"
	"github.com/openqc/fleet/pkg/records"
	"github.com/openqc/fleet/pkg/service"
	"github.com/openqc/fleet/pkg/service/drivers"
	"github.com/openqc/fleet/pkg/specs"
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

// completeAllDependencies claims and successfully returns every task
// backing svcID's current dependencies, simulating a manager finishing a
// whole wave of children.
func completeAllDependencies(t *testing.T, store storage.Store, svcID string) {
	t.Helper()
	ctx := context.Background()
	deps, err := store.GetServiceDependencies(ctx, svcID)
	require.NoError(t, err)
	for _, dep := range deps {
		claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"geometric"}, 1, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, dep.ChildRecordID, claimed[0].RecordID)
		_, err = tasks.Return(ctx, store, "mgr1", []types.TaskResult{{
			RecordID: claimed[0].RecordID, Success: true, Stdout: "converged",
		}}, 10)
		require.NoError(t, err)
	}
}

func dependencyKeys(t *testing.T, store storage.Store, svcID string) []string {
	t.Helper()
	deps, err := store.GetServiceDependencies(t.Context(), svcID)
	require.NoError(t, err)
	keys := make([]string, len(deps))
	for i, d := range deps {
		keys[i] = d.Extras["key"]
	}
	sort.Strings(keys)
	return keys
}

// TestGridOptTwoDimensionalWaveExpansion is spec scenario 2: a 2-D grid with
// dims=(3,3), preoptimization off, whose starting geometry measures to grid
// point (1,1). Iteration 2 must submit exactly the starting point's four
// neighbours; iteration 3 must submit exactly the four corners.
func TestGridOptTwoDimensionalWaveExpansion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Two independent bond-length scans, each with 3 steps so the
	// starting molecule's 2.0-length bonds land on grid index 1.
	scans := []drivers.ScanDimension{
		{ConstraintType: "distance", StepType: "absolute", Indices: []int{0, 1}, Steps: []float64{1, 2, 3}},
		{ConstraintType: "distance", StepType: "absolute", Indices: []int{2, 3}, Steps: []float64{1, 2, 3}},
	}

	molID, _, err := store.AddMolecules(ctx, []types.MoleculeInput{{Literal: &types.Molecule{
		Symbols:  []string{"H", "H", "H", "H"},
		Geometry: []float64{0, 0, 0, 2, 0, 0, 0, 0, 10, 0, 0, 12},
	}}})
	require.NoError(t, err)
	startMolID := molID[0]

	optIn := &specs.Input{Program: "geometric", Driver: "gradient", Singlepoint: &specs.Input{Program: "psi4", Method: "hf", Basis: "sto-3g", Driver: "gradient"}}
	gridoptSpecID, _, err := specs.Intern(ctx, store, &specs.Input{Program: "qcengine", Driver: "gridopt", Optimization: optIn})
	require.NoError(t, err)

	initialState, err := json.Marshal(drivers.GridoptState{Iteration: 0, Scans: scans})
	require.NoError(t, err)

	rec := &types.Record{
		ID:              records.NewID(),
		RecordType:      types.RecordTypeGridOpt,
		SpecificationID: gridoptSpecID,
		MoleculeIDs:     []string{startMolID},
		IsService:       true,
	}
	require.NoError(t, records.Create(ctx, store, rec, nil, nil, initialState))

	registry := service.DefaultRegistry()

	n, err := service.RunOnce(ctx, store, registry, "mgr1", nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"[1,1]"}, dependencyKeys(t, store, rec.ID))

	completeAllDependencies(t, store, rec.ID)

	n, err = service.RunOnce(ctx, store, registry, "mgr1", nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"[0,1]", "[1,0]", "[1,2]", "[2,1]"}, dependencyKeys(t, store, rec.ID))

	completeAllDependencies(t, store, rec.ID)

	n, err = service.RunOnce(ctx, store, registry, "mgr1", nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"[0,0]", "[0,2]", "[2,0]", "[2,2]"}, dependencyKeys(t, store, rec.ID))

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, got.Status, "service stays running while waves are outstanding")
}

// TestServiceFailsFastOnDependencyError is spec scenario 3: an injected
// failed-operation result for one leg must flip the whole service to
// error with a single diagnostic compute-history entry.
func TestServiceFailsFastOnDependencyError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	spID, _, err := specs.Intern(ctx, store, &specs.Input{Program: "psi4", Method: "hf", Basis: "sto-3g", Driver: "gradient"})
	require.NoError(t, err)

	molID, _, err := store.AddMolecules(ctx, []types.MoleculeInput{{Literal: &types.Molecule{
		Symbols:  []string{"H", "H"},
		Geometry: []float64{0, 0, 0, 1, 0, 0},
	}}})
	require.NoError(t, err)

	state, err := json.Marshal(drivers.FanOutState{Legs: []drivers.LegSpec{
		{Label: "leg1", RecordType: types.RecordTypeSingle, SpecificationID: spID, MoleculeID: molID[0], RequiredPrograms: []string{"psi4"}},
	}})
	require.NoError(t, err)

	rec := &types.Record{
		ID:              records.NewID(),
		RecordType:      types.RecordTypeReaction,
		SpecificationID: spID,
		MoleculeIDs:     molID,
		IsService:       true,
	}
	require.NoError(t, records.Create(ctx, store, rec, nil, nil, state))

	registry := service.DefaultRegistry()

	n, err := service.RunOnce(ctx, store, registry, "mgr1", nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	deps, err := store.GetServiceDependencies(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)

	claimed, err := tasks.Claim(ctx, store, "mgr1", nil, []string{"psi4"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = tasks.Return(ctx, store, "mgr1", []types.TaskResult{{
		RecordID: claimed[0].RecordID, Success: false, Error: json.RawMessage(`{"msg":"boom"}`),
	}}, 10)
	require.NoError(t, err)

	n, err = service.RunOnce(ctx, store, registry, "mgr1", nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := records.Get(ctx, store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusError, got.Status)
	last := got.ComputeHistory[len(got.ComputeHistory)-1]
	require.Equal(t, "did not complete successfully", last.Note)
	require.Contains(t, last.Outputs, types.OutputStdout)
	require.Contains(t, last.Outputs, types.OutputError, "fail-fast entry must carry the failed dependency's error payload too")

	errBlob, err := outputs.Get(ctx, store, last.Outputs[types.OutputError])
	require.NoError(t, err)
	require.Contains(t, string(errBlob), "boom")
}
