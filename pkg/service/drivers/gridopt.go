// Package drivers implements the per-record_type service drivers dispatched
// by pkg/service (§4.5). GridOpt is the canonical, fully-worked driver;
// Torsion, NEB, Reaction, and ManyBody generalize the same wave/constraint
// shape to their own dependency patterns.
package drivers

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/openqc/fleet/pkg/canon"
	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/service"
	"github.com/openqc/fleet/pkg/specs"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"

	"context"
)

// ScanDimension is one axis of a grid/torsion scan: the constraint it
// applies to the optimizer (ConstraintType, Indices), how its Steps are
// interpreted (StepType absolute measures from the molecule directly;
// relative offsets from the starting molecule's own measurement), and the
// step values themselves.
type ScanDimension struct {
	ConstraintType string    `json:"constraint_type"`
	StepType       string    `json:"step_type"` // "absolute" | "relative"
	Indices        []int     `json:"indices"`
	Steps          []float64 `json:"steps"`
}

// GridoptState is the gridopt driver's service_state (§4.5 "State =
// {iteration, complete-set, dimensions, constraint-template}"). Scans is
// fixed at record creation; Dimensions is derived from Scans when the
// starting grid point is submitted; Iteration and Complete evolve across
// waves.
type GridoptState struct {
	Iteration          int             `json:"iteration"`
	Dimensions         []int           `json:"dimensions"`
	Complete           []string        `json:"complete"`
	Scans              []ScanDimension `json:"scans"`
	StartingMoleculeID string          `json:"starting_molecule_id,omitempty"`
}

// GridOpt drives n-dimensional grid optimizations (§4.5's canonical
// example), grounded in QCFractal's gridoptimization service socket:
// expand_ndimensional_grid, serialize_key/deserialize_key, and
// calculate_starting_grid are carried over unchanged; only the storage and
// specification-interning calls are Fleet's own.
type GridOpt struct{}

var _ service.Driver = GridOpt{}

func (GridOpt) Iterate(ctx context.Context, store storage.Store, in service.Input) (service.Output, error) {
	var state GridoptState
	if err := json.Unmarshal(in.Service.ServiceState, &state); err != nil {
		return service.Output{}, ferrors.Wrap(ferrors.DeveloperError, "gridopt: invalid service state", err)
	}

	goSpec, err := specs.Get(ctx, store, in.Record.SpecificationID)
	if err != nil {
		return service.Output{}, err
	}

	type nextTask struct {
		key        string
		moleculeID string
	}
	var next []nextTask
	var note string

	switch {
	case state.Iteration == -2:
		next = append(next, nextTask{key: "preoptimization", moleculeID: firstMolecule(in.Record)})
		state.Iteration = -1
		note = "starting preoptimization"

	case state.Iteration == -1:
		if len(in.Dependencies) != 1 {
			return service.Output{}, ferrors.DeveloperErrorf("gridopt: expected one completed preoptimization, got %d", len(in.Dependencies))
		}
		startingID := firstMolecule(in.Dependencies[0].Record)
		_, key, err := startingGridKey(ctx, store, state.Scans, startingID)
		if err != nil {
			return service.Output{}, err
		}
		state.Dimensions = stepsCounts(state.Scans)
		state.StartingMoleculeID = startingID
		next = append(next, nextTask{key: key, moleculeID: startingID})
		state.Iteration = 1
		note = "found finished preoptimization, starting normal iterations"

	case state.Iteration == 0:
		startingID := firstMolecule(in.Record)
		_, key, err := startingGridKey(ctx, store, state.Scans, startingID)
		if err != nil {
			return service.Output{}, err
		}
		state.Dimensions = stepsCounts(state.Scans)
		state.StartingMoleculeID = startingID
		next = append(next, nextTask{key: key, moleculeID: startingID})
		state.Iteration = 1
		note = "starting first iterations"

	default:
		moleculeMap := map[string]string{}
		var completeSeeds [][]int
		for _, dep := range in.Dependencies {
			key := dep.Link.Extras["key"]
			moleculeMap[key] = firstMolecule(dep.Record)
			coords, err := canon.DeserializeKey(key)
			if err != nil {
				return service.Output{}, err
			}
			completeSeeds = append(completeSeeds, coords)
		}

		completeSet := map[string]bool{}
		for _, k := range state.Complete {
			completeSet[k] = true
		}
		for _, c := range completeSeeds {
			k, err := canon.SerializeKey(c)
			if err != nil {
				return service.Output{}, err
			}
			completeSet[k] = true
		}
		state.Complete = sortedKeys(completeSet)

		for _, pair := range expandNDimensionalGrid(state.Dimensions, completeSeeds, completeSet) {
			parentKey, err := canon.SerializeKey(pair.parent)
			if err != nil {
				return service.Output{}, err
			}
			childKey, err := canon.SerializeKey(pair.child)
			if err != nil {
				return service.Output{}, err
			}
			next = append(next, nextTask{key: childKey, moleculeID: moleculeMap[parentKey]})
		}
		note = "found new grid points to expand"
	}

	newStateBytes, err := json.Marshal(state)
	if err != nil {
		return service.Output{}, err
	}

	if len(next) == 0 {
		return service.Output{Done: true, Note: "grid optimization finished successfully", NewState: newStateBytes}, nil
	}

	baseOptSpec, err := specs.Get(ctx, store, goSpec.OptimizationSpecificationID)
	if err != nil {
		return service.Output{}, err
	}

	children := make([]service.ChildRecord, 0, len(next))
	for _, t := range next {
		specID, err := t0SpecID(ctx, store, &state, baseOptSpec, goSpec.OptimizationSpecificationID, t.key)
		if err != nil {
			return service.Output{}, err
		}
		function, err := json.Marshal(map[string]string{"specification_id": specID, "molecule_id": t.moleculeID})
		if err != nil {
			return service.Output{}, err
		}
		children = append(children, service.ChildRecord{
			Record: types.Record{
				RecordType:      types.RecordTypeOptimization,
				SpecificationID: specID,
				MoleculeIDs:     []string{t.moleculeID},
			},
			Function:         function,
			RequiredPrograms: []string{baseOptSpec.Program},
			Extras:           map[string]string{"key": t.key},
		})
	}

	return service.Output{NewState: newStateBytes, Children: children, Note: note}, nil
}

// t0SpecID resolves the optimization specification a grid point's child
// record should run under: the unconstrained base spec for the
// preoptimization task, or a freshly-interned spec carrying this grid
// point's constraint set otherwise (§4.5 "Constraint assembly").
func t0SpecID(ctx context.Context, store storage.Store, state *GridoptState, base *types.Specification, baseID, key string) (string, error) {
	if key == "preoptimization" {
		return baseID, nil
	}

	coords, err := canon.DeserializeKey(key)
	if err != nil {
		return "", err
	}

	var startingGeometry []float64
	if state.StartingMoleculeID != "" {
		mol, err := store.GetMolecule(ctx, state.StartingMoleculeID)
		if err != nil {
			return "", err
		}
		startingGeometry = mol.Geometry
	}

	constraints := make([]map[string]any, len(state.Scans))
	for i, scan := range state.Scans {
		idx := coords[i]
		if idx < 0 || idx >= len(scan.Steps) {
			return "", ferrors.DeveloperErrorf("gridopt: grid index %d out of range for scan %d", idx, i)
		}
		value := scan.Steps[idx]
		if scan.StepType == "relative" {
			value += measure(startingGeometry, scan.Indices)
		}
		constraints[i] = map[string]any{
			"type":    scan.ConstraintType,
			"indices": scan.Indices,
			"value":   value,
		}
	}

	keywords := map[string]any{}
	if len(base.Keywords) > 0 {
		if err := json.Unmarshal(base.Keywords, &keywords); err != nil {
			return "", ferrors.Wrap(ferrors.DeveloperError, "gridopt: invalid base optimization keywords", err)
		}
	}
	constraintBlock, _ := keywords["constraints"].(map[string]any)
	if constraintBlock == nil {
		constraintBlock = map[string]any{}
	}
	constraintBlock["set"] = constraints
	keywords["constraints"] = constraintBlock

	mergedKeywords, err := json.Marshal(keywords)
	if err != nil {
		return "", err
	}

	newID, _, err := specs.InternLeaf(ctx, store, &specs.Input{
		Program:   base.Program,
		Method:    base.Method,
		Basis:     base.Basis,
		Driver:    base.Driver,
		Keywords:  mergedKeywords,
		Protocols: base.Protocols,
	}, base.SinglepointSpecificationID, "")
	if err != nil {
		return "", err
	}
	return newID, nil
}

func firstMolecule(rec *types.Record) string {
	if len(rec.MoleculeIDs) == 0 {
		return ""
	}
	return rec.MoleculeIDs[0]
}

func stepsCounts(scans []ScanDimension) []int {
	dims := make([]int, len(scans))
	for i, s := range scans {
		dims[i] = len(s.Steps)
	}
	return dims
}

// startingGridKey implements calculate_starting_grid: for each scan
// dimension, the grid index whose step value is closest to the molecule's
// actual measurement (absolute scans) or to zero (relative scans).
func startingGridKey(ctx context.Context, store storage.Store, scans []ScanDimension, moleculeID string) ([]int, string, error) {
	mol, err := store.GetMolecule(ctx, moleculeID)
	if err != nil {
		return nil, "", err
	}
	grid := make([]int, len(scans))
	for i, scan := range scans {
		var m float64
		if scan.StepType == "absolute" {
			m = measure(mol.Geometry, scan.Indices)
		}
		best, bestDiff := 0, math.Inf(1)
		for j, step := range scan.Steps {
			diff := math.Abs(step - m)
			if diff < bestDiff {
				bestDiff = diff
				best = j
			}
		}
		grid[i] = best
	}
	key, err := canon.SerializeKey(grid)
	return grid, key, err
}

type gridPair struct {
	parent []int
	child  []int
}

// expandNDimensionalGrid is QCFractal's expand_ndimensional_grid: for each
// axis and each seed, probe both neighbours along that axis, skipping
// out-of-range, already-queued, or already-complete points.
func expandNDimensionalGrid(dims []int, seeds [][]int, complete map[string]bool) []gridPair {
	compute := map[string]bool{}
	var pairs []gridPair
	for d := range dims {
		for _, seed := range seeds {
			for _, disp := range [2]int{-1, 1} {
				newDim := seed[d] + disp
				if newDim < 0 || newDim >= dims[d] {
					continue
				}
				child := append([]int(nil), seed...)
				child[d] = newDim
				key, err := canon.SerializeKey(child)
				if err != nil || compute[key] || complete[key] {
					continue
				}
				compute[key] = true
				pairs = append(pairs, gridPair{parent: seed, child: child})
			}
		}
	}
	return pairs
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
