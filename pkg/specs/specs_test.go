package specs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqc/fleet/pkg/specs"
	"github.com/openqc/fleet/pkg/storage"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir() + "/mem.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInternFlatSpecDedupes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	in := &specs.Input{Program: "PSI4", Method: "B3LYP", Basis: "DEF2-SVP", Driver: "Energy"}
	id1, existed1, err := specs.Intern(ctx, store, in)
	require.NoError(t, err)
	require.False(t, existed1)

	id2, existed2, err := specs.Intern(ctx, store, in)
	require.NoError(t, err)
	require.True(t, existed2)
	require.Equal(t, id1, id2)

	got, err := specs.Get(ctx, store, id1)
	require.NoError(t, err)
	require.Equal(t, "psi4", got.Program, "program must be lowercased per the case-fold invariant")
}

func TestInternNestedSpecBottomUp(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sp := &specs.Input{Program: "psi4", Method: "hf", Basis: "sto-3g", Driver: "gradient"}
	opt := &specs.Input{Program: "geometric", Driver: "gradient", Singlepoint: sp}
	gridopt := &specs.Input{Program: "qcengine", Driver: "gridopt", Optimization: opt}

	id, existed, err := specs.Intern(ctx, store, gridopt)
	require.NoError(t, err)
	require.False(t, existed)

	got, err := specs.Get(ctx, store, id)
	require.NoError(t, err)
	require.NotEmpty(t, got.OptimizationSpecificationID)

	optSpec, err := specs.Get(ctx, store, got.OptimizationSpecificationID)
	require.NoError(t, err)
	require.NotEmpty(t, optSpec.SinglepointSpecificationID)
}

func TestInternKeywordOrderIndependence(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	a := &specs.Input{Program: "psi4", Driver: "energy", Keywords: []byte(`{"a":1,"b":2}`)}
	b := &specs.Input{Program: "psi4", Driver: "energy", Keywords: []byte(`{"b":2,"a":1}`)}

	idA, _, err := specs.Intern(ctx, store, a)
	require.NoError(t, err)
	idB, _, err := specs.Intern(ctx, store, b)
	require.NoError(t, err)
	require.Equal(t, idA, idB, "key order must not affect content identity")
}
