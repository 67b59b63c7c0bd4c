// Package storage defines the persistence boundary for the record/task/
// service core and provides two implementations: a Postgres-backed Store
// for production and a bbolt file-backed Store (MemStore) for tests.
package storage

import (
	"context"
	"time"

	"github.com/openqc/fleet/pkg/types"
)

// Store is the full persistence interface the compute core is built
// against. Every method that can race with another caller (interning,
// claiming, returning, reclaiming) is implemented transactionally by each
// backend, not composed from smaller calls by callers.
type Store interface {
	// Specifications (C1)
	InternSpecification(ctx context.Context, spec *types.Specification) (id string, existed bool, err error)
	GetSpecification(ctx context.Context, id string) (*types.Specification, error)

	// Molecules (C2)
	AddMolecules(ctx context.Context, inputs []types.MoleculeInput) (ids []string, meta types.InsertMetadata, err error)
	GetMolecule(ctx context.Context, id string) (*types.Molecule, error)

	// Records (C3)
	CreateRecord(ctx context.Context, rec *types.Record) error
	GetRecord(ctx context.Context, id string) (*types.Record, error)
	QueryRecords(ctx context.Context, filter types.RecordQueryFilter) ([]*types.Record, types.QueryMetadata, error)
	TransitionRecord(ctx context.Context, id string, to types.RecordStatus, entry types.HistoryEntry) error
	DeleteRecord(ctx context.Context, id string) error
	UndeleteRecord(ctx context.Context, id string) error
	// HardDeleteRecord permanently removes a record and its owned task/
	// service/dependency-link rows, cascading to service dependency links
	// but never to the child records they reference (§3 invariant 4, §8
	// scenario 6). Callers must have already verified the record is
	// soft-deleted.
	HardDeleteRecord(ctx context.Context, id string) error
	AppendHistory(ctx context.Context, id string, entry types.HistoryEntry) error

	// Tasks (C4)
	CreateTask(ctx context.Context, task *types.TaskRow) error
	ClaimTasks(ctx context.Context, managerName string, tags []string, programs []string, limit int) ([]*types.TaskRow, error)
	// ReturnTask applies a manager's result to the record it was claimed
	// for, producing a single compute-history entry that carries both the
	// resulting status and outputs (§8: "compute-history has exactly one
	// entry with two outputs"). outputs must already be persisted (see
	// ReplaceRecordOutputs) by the time this is called. A record whose
	// manager_name is not managerName (reassigned or reclaimed) is rejected
	// with an Unauthorized error. If the record still names this manager but
	// is no longer running (for example cancelled or reset) the result is
	// discarded and a "late return ignored" entry is appended instead,
	// carrying neither status change nor outputs.
	ReturnTask(ctx context.Context, managerName string, result types.TaskResult, outputs types.HistoryOutputs) error
	RequeueOrphanedTasks(ctx context.Context, managerName string) (int, error)

	// Services (C5)
	CreateService(ctx context.Context, svc *types.ServiceRow) error
	ClaimServiceIteration(ctx context.Context, managerName string, tags []string, limit int) ([]*types.ServiceRow, error)
	// GetServiceDependencies returns a service's current dependency links.
	// Needed separately from ClaimServiceIteration because the Postgres
	// backend keeps dependencies in their own table, joined on demand
	// rather than denormalized onto the claim scan.
	GetServiceDependencies(ctx context.Context, recordID string) ([]types.DependencyLink, error)
	// SaveServiceState persists a service's checkpoint and replaces its
	// dependency set in one transaction (§4.5 step 5: "clears dependencies
	// ... re-links them as new dependencies").
	SaveServiceState(ctx context.Context, recordID string, state []byte, newDependencies []types.DependencyLink) error

	// Managers (C6)
	RegisterManager(ctx context.Context, mgr *types.Manager) error
	Heartbeat(ctx context.Context, managerName string) error
	ListManagers(ctx context.Context, activeOnly bool) ([]*types.Manager, error)
	SweepInactiveManagers(ctx context.Context, maxMissed int, period time.Duration) ([]string, error)

	// Outputs (C7)
	PutOutputBlob(ctx context.Context, blob *types.OutputBlob) error
	GetOutputBlob(ctx context.Context, id string) (*types.OutputBlob, error)
	ReplaceRecordOutputs(ctx context.Context, recordID string, outputs map[types.OutputType]*types.OutputBlob) (types.HistoryOutputs, error)

	Close() error
}
