// Package tasks implements the task queue (C4, §4.4): enqueue, tag/priority/
// program-aware claiming, result return, and reset.
package tasks

import (
	"context"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/log"
	"github.com/openqc/fleet/pkg/outputs"
	"github.com/openqc/fleet/pkg/records"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// Enqueue creates or refreshes a task row for recordID. Idempotent: a
// second call for the same record only bumps its available_date (§4.4).
func Enqueue(ctx context.Context, store storage.Store, recordID string, function []byte, tag string, priority types.Priority, requiredPrograms []string) error {
	return store.CreateTask(ctx, &types.TaskRow{
		RecordID:         recordID,
		Function:         function,
		Tag:              tag,
		Priority:         priority,
		RequiredPrograms: requiredPrograms,
	})
}

// Claim lets a manager pull up to limit ready tasks, trying its tags in
// declared preference order and stopping once limit rows have been
// returned across all tags tried (§4.4: "Across tags the order is that of
// the manager's preference list — manager-chosen, not global"). maxLimit
// is the server-configured cap (§6); claim clips to it rather than
// rejecting (only return rejects an oversized batch).
func Claim(ctx context.Context, store storage.Store, managerName string, tagsWanted []string, programsAdvertised []string, limit, maxLimit int) ([]*types.TaskRow, error) {
	if limit > maxLimit || limit <= 0 {
		limit = maxLimit
	}
	if len(tagsWanted) == 0 {
		tagsWanted = []string{types.TagAny}
	}

	var claimed []*types.TaskRow
	for _, tag := range tagsWanted {
		remaining := limit - len(claimed)
		if remaining <= 0 {
			break
		}
		got, err := store.ClaimTasks(ctx, managerName, []string{tag}, programsAdvertised, remaining)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, got...)
	}
	log.WithManagerName(managerName).Debug().Int("claimed", len(claimed)).Msg("claimed tasks")
	return claimed, nil
}

// Return processes a batch of manager results, in the order supplied
// (§5: "Returns from a manager are processed in the order supplied by that
// manager"). maxLimit bounds batch size (§6 LimitExceeded). Each result's
// stdout/stderr/error payloads are compressed and persisted as output
// blobs before the record's status is updated, so the single
// compute-history entry ReturnTask appends carries both together. A
// per-result failure (e.g. the record was reassigned) is collected and
// returned alongside the results that did succeed, rather than aborting
// the batch.
func Return(ctx context.Context, store storage.Store, managerName string, results []types.TaskResult, maxLimit int) (failed []types.IndexError, err error) {
	if len(results) > maxLimit {
		return nil, ferrors.LimitExceededf("return batch of %d exceeds configured maximum %d", len(results), maxLimit)
	}
	for i, r := range results {
		saved, e := outputs.Persist(ctx, store, r.RecordID, r)
		if e != nil {
			failed = append(failed, types.IndexError{Index: i, Message: e.Error()})
			continue
		}
		if e := store.ReturnTask(ctx, managerName, r, saved); e != nil {
			failed = append(failed, types.IndexError{Index: i, Message: e.Error()})
		}
	}
	return failed, nil
}

// Reset forces a record from running or error back to waiting (§4.3's
// "reset" action) and re-creates its task row so it's claimable again. The
// status transition is validated by pkg/records's transition table; Reset
// adds the task-row side effect that table alone doesn't cover.
func Reset(ctx context.Context, store storage.Store, recordID string, function []byte, tag string, priority types.Priority, requiredPrograms []string) error {
	if _, _, err := records.ModifyStatus(ctx, store, []string{recordID}, records.ActionReset, "reset to waiting"); err != nil {
		return err
	}
	return Enqueue(ctx, store, recordID, function, tag, priority, requiredPrograms)
}
