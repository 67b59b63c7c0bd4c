// Package records implements the record store (C3, §4.3): CRUD, the
// status-transition table, and the compute-history log.
package records

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// Action names the admin/scheduler operations that move a record between
// statuses (§4.3's transition table column headers, minus "claim"/"finish"
// which the task queue and service iterator drive directly via
// storage.ClaimTasks/ReturnTask/ClaimServiceIteration).
type Action string

const (
	ActionReset      Action = "reset"
	ActionCancel     Action = "cancel"
	ActionInvalidate Action = "invalidate"
	ActionUncancel   Action = "uncancel"
	ActionSoftDelete Action = "delete"
	ActionUndelete   Action = "undelete"
	ActionHardDelete Action = "harddelete"
)

// transitions is the table from §4.3: for each current status, which
// actions are legal and what status they move to. "claim"/"finish"/"fail"
// are driven by pkg/tasks and pkg/service, not by this table, since they
// require the task/service row context those packages hold; "undelete"
// and "harddelete" are handled specially below since their target status
// isn't a fixed constant.
var transitions = map[types.RecordStatus]map[Action]types.RecordStatus{
	types.StatusWaiting: {
		ActionCancel:     types.StatusCancelled,
		ActionInvalidate: types.StatusInvalid,
		ActionSoftDelete: types.StatusDeleted,
	},
	types.StatusRunning: {
		ActionReset:  types.StatusWaiting,
		ActionCancel: types.StatusCancelled,
	},
	types.StatusComplete: {
		ActionInvalidate: types.StatusInvalid,
		ActionSoftDelete: types.StatusDeleted,
	},
	types.StatusError: {
		ActionReset:      types.StatusWaiting,
		ActionCancel:     types.StatusCancelled,
		ActionSoftDelete: types.StatusDeleted,
	},
	types.StatusCancelled: {
		ActionUncancel:   types.StatusWaiting,
		ActionSoftDelete: types.StatusDeleted,
	},
	types.StatusInvalid: {
		ActionUncancel:   types.StatusWaiting,
		ActionSoftDelete: types.StatusDeleted,
	},
	types.StatusDeleted: {
		// ActionUndelete restores PriorStatus, handled specially.
		// ActionHardDelete removes the row entirely, handled specially.
	},
}

// Create inserts a new record in status "waiting" and, for non-service
// records, an accompanying task row so it's immediately claimable (§4.4
// enqueue). Service records get a service row instead (§4.5); callers set
// rec.IsService and pass an initial, opaque serviceState.
func Create(ctx context.Context, store storage.Store, rec *types.Record, function []byte, requiredPrograms []string, serviceState []byte) error {
	if rec.Tag == "" {
		rec.Tag = types.TagAny
	}
	if rec.Priority == "" {
		rec.Priority = types.PriorityNormal
	}
	rec.Status = types.StatusWaiting

	if err := store.CreateRecord(ctx, rec); err != nil {
		return err
	}

	if rec.IsService {
		return store.CreateService(ctx, &types.ServiceRow{
			RecordID:     rec.ID,
			Tag:          rec.Tag,
			Priority:     rec.Priority,
			ServiceState: serviceState,
		})
	}
	return store.CreateTask(ctx, &types.TaskRow{
		RecordID:         rec.ID,
		Function:         function,
		Tag:              rec.Tag,
		Priority:         rec.Priority,
		RequiredPrograms: requiredPrograms,
	})
}

// Get fetches a record by id.
func Get(ctx context.Context, store storage.Store, id string) (*types.Record, error) {
	return store.GetRecord(ctx, id)
}

// Query lists records matching filter with pagination metadata.
func Query(ctx context.Context, store storage.Store, filter types.RecordQueryFilter) ([]*types.Record, types.QueryMetadata, error) {
	return store.QueryRecords(ctx, filter)
}

// ModifyStatus applies action to every id, appending a compute-history
// entry for each. It enforces §4.3's transition table: an action not legal
// from the record's current status returns ferrors.ErrInvalidTransition
// for that id and leaves that record unmodified (the whole batch is evaluated
// individually; a failure on one id does not roll back another, matching
// §6's PATCH /v1/records per-id semantics).
func ModifyStatus(ctx context.Context, store storage.Store, ids []string, action Action, note string) (succeeded, failed []string, err error) {
	for _, id := range ids {
		if e := modifyOne(ctx, store, id, action, note); e != nil {
			failed = append(failed, id)
			if err == nil {
				err = e
			}
			continue
		}
		succeeded = append(succeeded, id)
	}
	return succeeded, failed, err
}

func modifyOne(ctx context.Context, store storage.Store, id string, action Action, note string) error {
	rec, err := store.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	switch action {
	case ActionUndelete:
		if rec.Status != types.StatusDeleted {
			return ferrors.InvalidTransitionf("record %s is not deleted", id)
		}
		if err := store.UndeleteRecord(ctx, id); err != nil {
			return err
		}
		return store.AppendHistory(ctx, id, types.HistoryEntry{
			Status: rec.PriorStatus, ModifiedOn: time.Now().UTC(), Note: note,
		})

	case ActionHardDelete:
		if rec.Status != types.StatusDeleted {
			return ferrors.InvalidTransitionf("record %s must be soft-deleted before hard delete", id)
		}
		return store.HardDeleteRecord(ctx, id)

	case ActionSoftDelete:
		if _, ok := transitions[rec.Status][action]; !ok {
			return ferrors.InvalidTransitionf("cannot %s record %s from status %s", action, id, rec.Status)
		}
		if err := store.DeleteRecord(ctx, id); err != nil {
			return err
		}
		return store.AppendHistory(ctx, id, types.HistoryEntry{
			Status: types.StatusDeleted, ModifiedOn: time.Now().UTC(), Note: note,
		})

	default:
		to, ok := transitions[rec.Status][action]
		if !ok {
			return ferrors.InvalidTransitionf("cannot %s record %s from status %s", action, id, rec.Status)
		}
		return store.TransitionRecord(ctx, id, to, types.HistoryEntry{
			ModifiedOn: time.Now().UTC(), Note: note,
		})
	}
}

// Claimable reports whether action is legal from status, for API-layer
// pre-validation before issuing the batch (so a mixed-status PATCH can
// report per-id errors instead of a single opaque failure).
func Claimable(status types.RecordStatus, action Action) bool {
	if action == ActionUndelete {
		return status == types.StatusDeleted
	}
	if action == ActionHardDelete {
		return status == types.StatusDeleted
	}
	_, ok := transitions[status][action]
	return ok
}

// NewID generates a record id. Exposed so callers building child records in
// the service iterator can pre-assign an id before the first store call.
func NewID() string {
	return uuid.NewString()
}
