package service

import (
	"github.com/openqc/fleet/pkg/service/drivers"
	"github.com/openqc/fleet/pkg/types"
)

// DefaultRegistry wires every record_type spec.md names as a service to its
// driver. Torsion-drive is registered onto the same GridOpt driver as
// gridopt: a 1-D torsion scan is the n=1 case of the n-dimensional grid, and
// expand_ndimensional_grid already degenerates correctly for n=1 (§4.5).
func DefaultRegistry() Registry {
	gridopt := drivers.GridOpt{}
	return Registry{
		types.RecordTypeGridOpt:  gridopt,
		types.RecordTypeTorsion:  gridopt,
		types.RecordTypeNEB:      drivers.NewNEB(),
		types.RecordTypeReaction: drivers.NewReaction(),
		types.RecordTypeManyBody: drivers.NewManyBody(),
	}
}
