// Package molecules implements the molecule store (C2, §4.2): content-hash
// deduplication and interning of geometries, and validation of mixed
// literal/id input batches.
package molecules

import (
	"context"
	"strconv"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/log"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// AddMixed interns a batch of molecule literals and/or existing-id
// references, preserving input order in the returned ids (§4.2). Literals
// are validated before they reach the store: geometry length must be a
// multiple of 3 (one coordinate triple per symbol) and must match the
// symbol count.
func AddMixed(ctx context.Context, store storage.Store, inputs []types.MoleculeInput) ([]string, types.InsertMetadata, error) {
	for i, in := range inputs {
		if in.Literal == nil {
			continue
		}
		if len(in.Literal.Geometry)%3 != 0 {
			return nil, types.InsertMetadata{}, ferrors.New(ferrors.DeveloperError,
				"molecules: geometry length must be a multiple of 3")
		}
		if len(in.Literal.Geometry)/3 != len(in.Literal.Symbols) {
			return nil, types.InsertMetadata{}, ferrors.New(ferrors.DeveloperError,
				"molecules: geometry/symbols length mismatch at index "+strconv.Itoa(i))
		}
		if in.Literal.MolecularMultiplicity == 0 {
			in.Literal.MolecularMultiplicity = 1
		}
	}

	ids, meta, err := store.AddMolecules(ctx, inputs)
	if err != nil {
		return nil, types.InsertMetadata{}, err
	}
	log.WithComponent("molecules").Debug().
		Int("inserted", len(meta.InsertedIdx)).
		Int("existing", len(meta.ExistingIdx)).
		Msg("interned molecule batch")
	return ids, meta, nil
}

// Get fetches a molecule by id.
func Get(ctx context.Context, store storage.Store, id string) (*types.Molecule, error) {
	return store.GetMolecule(ctx, id)
}
