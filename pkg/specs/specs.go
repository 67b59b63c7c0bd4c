// Package specs implements the spec deduper (C1, §4.1): bottom-up interning
// of possibly-nested specifications (a grid-opt spec embeds an optimization
// spec, which embeds a singlepoint spec) with case-folding and canonical-JSON
// normalization of keyword/protocol maps.
package specs

import (
	"context"

	"github.com/openqc/fleet/pkg/canon"
	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/log"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// Input is a client-submitted specification tree. Singlepoint and
// Optimization nest the specs they're built on top of (§4.1): a singlepoint
// spec has neither; an optimization spec has Singlepoint; a gridopt/torsion/
// neb spec has Optimization (whose own Singlepoint is nested inside it); a
// reaction/manybody spec reuses the same Optimization nesting per leg.
type Input struct {
	Program   string
	Method    string
	Basis     string
	Driver    string
	Keywords  []byte
	Protocols []byte

	Singlepoint  *Input
	Optimization *Input
}

// Intern canonicalizes and interns in, working bottom-up so nested specs get
// their ids before the spec that embeds them is hashed. A failure at any
// level aborts the whole call without interning the levels above it (§4.1:
// "failure at any level aborts the whole insert").
func Intern(ctx context.Context, store storage.Store, in *Input) (id string, existed bool, err error) {
	if in == nil {
		return "", false, ferrors.DeveloperErrorf("specs: nil input")
	}

	spec := &types.Specification{
		Program:   canon.Lowercase(in.Program),
		Method:    canon.Lowercase(in.Method),
		Basis:     canon.Lowercase(in.Basis),
		Driver:    canon.Lowercase(in.Driver),
		Keywords:  rawOrEmpty(in.Keywords),
		Protocols: rawOrEmpty(in.Protocols),
	}

	if in.Singlepoint != nil {
		spID, _, err := Intern(ctx, store, in.Singlepoint)
		if err != nil {
			return "", false, ferrors.Wrap(ferrors.DeveloperError, "specs: interning nested singlepoint specification failed", err)
		}
		spec.SinglepointSpecificationID = spID
	}
	if in.Optimization != nil {
		optID, _, err := Intern(ctx, store, in.Optimization)
		if err != nil {
			return "", false, ferrors.Wrap(ferrors.DeveloperError, "specs: interning nested optimization specification failed", err)
		}
		spec.OptimizationSpecificationID = optID
	}

	id, existed, err = store.InternSpecification(ctx, spec)
	if err != nil {
		return "", false, err
	}
	log.WithComponent("specs").Debug().Str("id", id).Bool("existed", existed).Msg("interned specification")
	return id, existed, nil
}

// InternLeaf interns a specification whose nested singlepoint/optimization
// ids are already known, skipping the recursive walk Intern does. Service
// drivers use this when a wave only varies the leaf keyword map (e.g.
// gridopt's per-grid-point constraint set) and the nested specs it embeds
// are unchanged from the service's own specification.
func InternLeaf(ctx context.Context, store storage.Store, in *Input, singlepointID, optimizationID string) (id string, existed bool, err error) {
	spec := &types.Specification{
		Program:                     canon.Lowercase(in.Program),
		Method:                      canon.Lowercase(in.Method),
		Basis:                       canon.Lowercase(in.Basis),
		Driver:                      canon.Lowercase(in.Driver),
		Keywords:                    rawOrEmpty(in.Keywords),
		Protocols:                   rawOrEmpty(in.Protocols),
		SinglepointSpecificationID:  singlepointID,
		OptimizationSpecificationID: optimizationID,
	}
	id, existed, err = store.InternSpecification(ctx, spec)
	if err != nil {
		return "", false, err
	}
	log.WithComponent("specs").Debug().Str("id", id).Bool("existed", existed).Msg("interned leaf specification")
	return id, existed, nil
}

func rawOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

// Get fetches a specification by id, returning ferrors.NotFound if absent.
func Get(ctx context.Context, store storage.Store, id string) (*types.Specification, error) {
	return store.GetSpecification(ctx, id)
}
