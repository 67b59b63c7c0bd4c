package drivers

import (
	"context"
	"encoding/json"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/service"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// LegSpec is one child record a fan-out driver's first wave submits: a band
// image (NEB), a stoichiometry leg (reaction), or an n-body fragment
// combination (manybody) — all structurally identical once reduced to "run
// this specification against this molecule".
type LegSpec struct {
	Label            string           `json:"label"`
	RecordType       types.RecordType `json:"record_type"`
	SpecificationID  string           `json:"specification_id"`
	MoleculeID       string           `json:"molecule_id"`
	RequiredPrograms []string         `json:"required_programs,omitempty"`
}

// FanOutState is the service_state shape shared by NEB, Reaction, and
// ManyBody (§4.5: "only service_state and the wave-generator differ").
// Legs is fixed at record creation; Submitted flips once the single wave
// has gone out.
type FanOutState struct {
	Submitted bool      `json:"submitted"`
	Legs      []LegSpec `json:"legs"`
}

// FanOut implements the "submit every leg once, then wait for all of them"
// wave pattern. It relies on pkg/service's fail-fast handling for a leg
// that errors, so Iterate only ever has to decide between "submit" and
// "done" — the case where all its dependencies are already resolved and
// none failed is the only case it is called in for the second wave.
type FanOut struct {
	Kind     types.RecordType
	DoneNote string
}

var (
	_ service.Driver = FanOut{}
)

func (f FanOut) Iterate(ctx context.Context, store storage.Store, in service.Input) (service.Output, error) {
	var state FanOutState
	if err := json.Unmarshal(in.Service.ServiceState, &state); err != nil {
		return service.Output{}, ferrors.Wrap(ferrors.DeveloperError, "fanout: invalid service state", err)
	}

	if state.Submitted {
		note := f.DoneNote
		if note == "" {
			note = "all legs completed successfully"
		}
		newState, err := json.Marshal(state)
		if err != nil {
			return service.Output{}, err
		}
		return service.Output{Done: true, Note: note, NewState: newState}, nil
	}

	if len(state.Legs) == 0 {
		return service.Output{}, ferrors.DeveloperErrorf("%s: service state has no legs to submit", f.Kind)
	}

	children := make([]service.ChildRecord, 0, len(state.Legs))
	for _, leg := range state.Legs {
		function, err := json.Marshal(map[string]string{"specification_id": leg.SpecificationID, "molecule_id": leg.MoleculeID})
		if err != nil {
			return service.Output{}, err
		}
		children = append(children, service.ChildRecord{
			Record: types.Record{
				RecordType:      leg.RecordType,
				SpecificationID: leg.SpecificationID,
				MoleculeIDs:     []string{leg.MoleculeID},
			},
			Function:         function,
			RequiredPrograms: leg.RequiredPrograms,
			Extras:           map[string]string{"leg": leg.Label},
		})
	}

	state.Submitted = true
	newState, err := json.Marshal(state)
	if err != nil {
		return service.Output{}, err
	}
	return service.Output{NewState: newState, Children: children, Note: "submitting legs"}, nil
}

// NewNEB drives a nudged-elastic-band path: one wave of band-image
// optimizations, done once every image finishes.
func NewNEB() FanOut {
	return FanOut{Kind: types.RecordTypeNEB, DoneNote: "nudged elastic band path completed successfully"}
}

// NewReaction drives a reaction-energy record: one child per stoichiometry
// leg (reactants, products, and any counterpoise ghosts), all submitted in
// a single wave, done once every leg finishes. Combining the leg energies into a reaction energy is
// numerical chemistry and out of scope here.
func NewReaction() FanOut {
	return FanOut{Kind: types.RecordTypeReaction, DoneNote: "reaction legs completed successfully"}
}

// NewManyBody drives an n-body expansion: one child per fragment
// combination (monomers, dimers, ... up to the configured body count), all
// submitted in a single wave, done once every combination finishes.
func NewManyBody() FanOut {
	return FanOut{Kind: types.RecordTypeManyBody, DoneNote: "many-body expansion completed successfully"}
}
