// Package service implements the service iterator (C5, §4.5): the
// background loop that drives a long-running record to completion one wave
// of child records at a time, dispatching on record_type to a per-procedure
// driver.
package service

import (
	"context"
	"encoding/json"

	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// DependencyInput is one of a service's completed dependencies, with its
// child record already fetched so a driver doesn't need direct store access
// for the common case of reading the outcome of the wave it submitted.
type DependencyInput struct {
	Link   types.DependencyLink
	Record *types.Record
}

// Input is what a driver needs to compute the next wave: the service's own
// record and row, plus the dependencies satisfied since the last call.
type Input struct {
	Record       *types.Record
	Service      *types.ServiceRow
	Dependencies []DependencyInput
}

// ChildRecord describes one record a driver wants created this wave. Extras
// becomes the DependencyLink's extras once the record is created and linked.
type ChildRecord struct {
	Record           types.Record
	Function         []byte
	RequiredPrograms []string
	Extras           map[string]string
}

// Output is a driver's verdict for one iteration (§4.5's iterate contract).
// Exactly one of Done, FailFast, or a non-empty Children is meaningful:
// FailFast takes precedence (a dependency errored and the driver gives up);
// otherwise Done signals no further tasks; otherwise Children is the new
// wave to submit.
type Output struct {
	Done     bool
	FailFast bool
	Note     string
	NewState json.RawMessage
	Children []ChildRecord
}

// Driver computes a service's next wave given its current state and the
// dependencies that completed since the last call. Implementations must be
// side-effect-free with respect to the store except through the calls they
// make via the passed Store (e.g. interning a per-wave specification) —
// creating and linking the returned Children is the caller's job, not the
// driver's, so every driver composes through the same transactional path.
type Driver interface {
	Iterate(ctx context.Context, store storage.Store, in Input) (Output, error)
}

// Registry maps a record_type to the driver that knows how to iterate it.
type Registry map[types.RecordType]Driver
