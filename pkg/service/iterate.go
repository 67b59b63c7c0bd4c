package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/log"
	"github.com/openqc/fleet/pkg/outputs"
	"github.com/openqc/fleet/pkg/records"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

// RunOnce claims up to limit eligible services for managerName and iterates
// each one wave (§4.5's iterate contract), returning how many were
// processed. A single service's failure is logged and does not stop the
// rest of the batch.
func RunOnce(ctx context.Context, store storage.Store, registry Registry, managerName string, tags []string, limit int) (int, error) {
	claimed, err := store.ClaimServiceIteration(ctx, managerName, tags, limit)
	if err != nil {
		return 0, err
	}
	for _, svc := range claimed {
		if err := iterateOne(ctx, store, registry, svc); err != nil {
			log.WithServiceID(svc.RecordID).Error().Err(err).Msg("service iteration failed")
		}
	}
	return len(claimed), nil
}

func iterateOne(ctx context.Context, store storage.Store, registry Registry, svc *types.ServiceRow) error {
	rec, err := store.GetRecord(ctx, svc.RecordID)
	if err != nil {
		return err
	}

	deps, err := store.GetServiceDependencies(ctx, svc.RecordID)
	if err != nil {
		return err
	}
	svc.Dependencies = deps

	depInputs := make([]DependencyInput, 0, len(deps))
	var failed []DependencyInput
	for _, link := range deps {
		child, err := store.GetRecord(ctx, link.ChildRecordID)
		if err != nil {
			return err
		}
		di := DependencyInput{Link: link, Record: child}
		depInputs = append(depInputs, di)
		if child.Status == types.StatusError {
			failed = append(failed, di)
		}
	}

	// §4.5 step 4: any errored dependency is fail-fast for this core — a
	// service never silently drops a failed branch of its wave.
	if len(failed) > 0 {
		return failService(ctx, store, rec, failed[0].Record)
	}

	driver, ok := registry[rec.RecordType]
	if !ok {
		return ferrors.DeveloperErrorf("service: no driver registered for record_type %q", rec.RecordType)
	}

	out, err := driver.Iterate(ctx, store, Input{Record: rec, Service: svc, Dependencies: depInputs})
	if err != nil {
		return err
	}

	if out.FailFast {
		return failService(ctx, store, rec, nil)
	}

	if out.Done {
		note := out.Note
		if note == "" {
			note = "service completed successfully"
		}
		return store.TransitionRecord(ctx, rec.ID, types.StatusComplete, types.HistoryEntry{Note: note})
	}

	newDeps := make([]types.DependencyLink, 0, len(out.Children))
	for _, child := range out.Children {
		if child.Record.ID == "" {
			child.Record.ID = records.NewID()
		}
		if child.Record.Tag == "" {
			child.Record.Tag = svc.Tag
		}
		if child.Record.Priority == "" {
			child.Record.Priority = svc.Priority
		}
		if err := records.Create(ctx, store, &child.Record, child.Function, child.RequiredPrograms, nil); err != nil {
			return err
		}
		newDeps = append(newDeps, types.DependencyLink{ChildRecordID: child.Record.ID, Extras: child.Extras})
	}

	return store.SaveServiceState(ctx, rec.ID, out.NewState, newDeps)
}

// failService marks a service record error and writes the §4.5 step-4
// diagnostic message to its stdout, alongside the failed child's error
// payload (§8 scenario 3: the compute-history entry carries both stdout and
// error outputs), in a single compute-history entry. failedChild is the
// dependency whose status triggered the fail-fast, or nil when the driver
// itself reported FailFast without naming one.
func failService(ctx context.Context, store storage.Store, rec *types.Record, failedChild *types.Record) error {
	const note = "did not complete successfully"
	errPayload := childErrorPayload(ctx, store, failedChild)
	saved, err := outputs.Persist(ctx, store, rec.ID, types.TaskResult{
		RecordID: rec.ID, Success: false, Stdout: note, Error: errPayload,
	})
	if err != nil {
		return err
	}
	return store.TransitionRecord(ctx, rec.ID, types.StatusError, types.HistoryEntry{Note: note, Outputs: saved})
}

// childErrorPayload fetches the failed dependency's own error blob so the
// parent's error output explains why, falling back to a synthesized message
// naming the failed child when no blob was recorded, and to a generic
// message naming no child when failedChild is nil (e.g. a driver-reported
// FailFast with no single dependency to blame).
func childErrorPayload(ctx context.Context, store storage.Store, failedChild *types.Record) json.RawMessage {
	if failedChild == nil {
		return json.RawMessage(`{"message":"did not complete successfully"}`)
	}
	for i := len(failedChild.ComputeHistory) - 1; i >= 0; i-- {
		blobID, ok := failedChild.ComputeHistory[i].Outputs[types.OutputError]
		if !ok {
			continue
		}
		if raw, err := outputs.Get(ctx, store, blobID); err == nil && len(raw) > 0 {
			return raw
		}
		break
	}
	return json.RawMessage(fmt.Sprintf(`{"message":"dependency %s did not complete successfully"}`, failedChild.ID))
}
