package molecules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqc/fleet/pkg/molecules"
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

func water() *types.Molecule {
	return &types.Molecule{
		Symbols:  []string{"O", "H", "H"},
		Geometry: []float64{0, 0, 0, 0, 0, 1.8, 1.6, 0, -0.5},
	}
}

func TestAddMixedDedupesLiterals(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ids, meta, err := molecules.AddMixed(ctx, store, []types.MoleculeInput{
		{Literal: water()},
		{Literal: water()},
	})
	require.NoError(t, err)
	require.Equal(t, ids[0], ids[1], "identical geometries must coalesce to one insert")
	require.Equal(t, []int{0}, meta.InsertedIdx)
	require.Equal(t, []int{1}, meta.ExistingIdx)
}

func TestAddMixedRejectsUnknownID(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, meta, err := molecules.AddMixed(ctx, store, []types.MoleculeInput{{ID: "does-not-exist"}})
	require.NoError(t, err)
	require.Len(t, meta.Errors, 1)
	require.Equal(t, 0, meta.Errors[0].Index)
}

func TestAddMixedRejectsMismatchedGeometry(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	bad := water()
	bad.Geometry = bad.Geometry[:8] // not a multiple of 3
	_, _, err := molecules.AddMixed(ctx, store, []types.MoleculeInput{{Literal: bad}})
	require.Error(t, err)
}

func TestAddMixedPreservesOrderAndInterns(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	inserted, _, err := molecules.AddMixed(ctx, store, []types.MoleculeInput{{Literal: water()}})
	require.NoError(t, err)

	ids, meta, err := molecules.AddMixed(ctx, store, []types.MoleculeInput{
		{ID: inserted[0]},
		{Literal: water()},
	})
	require.NoError(t, err)
	require.Equal(t, inserted[0], ids[0])
	require.Equal(t, inserted[0], ids[1])
	require.ElementsMatch(t, []int{0, 1}, meta.ExistingIdx)

	got, err := molecules.Get(ctx, store, ids[0])
	require.NoError(t, err)
	require.Equal(t, 1, got.MolecularMultiplicity)
}
