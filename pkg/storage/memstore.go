package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/openqc/fleet/pkg/canon"
	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/types"
)

var (
	bucketSpecifications = []byte("specifications")
	bucketMolecules      = []byte("molecules")
	bucketRecords        = []byte("records")
	bucketTasks          = []byte("tasks")
	bucketServices       = []byte("services")
	bucketManagers       = []byte("managers")
	bucketOutputs        = []byte("outputs")
)

// MemStore implements Store on top of an embedded bbolt database. It is the
// backend used by tests and by single-node development setups; a single
// bbolt file gives every operation below the same single-writer
// serialization a Postgres transaction would, which is enough to reproduce
// the SKIP LOCKED claim semantics without a real database.
type MemStore struct {
	db        *bolt.DB
	path      string
	ephemeral bool
}

// NewMemStore opens (creating if absent) a bbolt-backed store at path. Pass
// an empty path to get a private temp file that is removed on Close,
// matching the teacher's pattern of one file per node but scoped to a
// throwaway test directory instead of a persistent data dir.
func NewMemStore(path string) (*MemStore, error) {
	ephemeral := path == ""
	if ephemeral {
		f, err := os.CreateTemp("", "fleet-memstore-*.db")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp store file: %w", err)
		}
		path = f.Name()
		f.Close()
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketSpecifications, bucketMolecules, bucketRecords,
			bucketTasks, bucketServices, bucketManagers, bucketOutputs,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &MemStore{db: db, path: path, ephemeral: ephemeral}, nil
}

func (s *MemStore) Close() error {
	err := s.db.Close()
	if s.ephemeral {
		os.Remove(s.path)
	}
	return err
}

// --- Specifications (C1) ---

func (s *MemStore) InternSpecification(_ context.Context, spec *types.Specification) (string, bool, error) {
	spec.Program = canon.Lowercase(spec.Program)
	spec.Driver = canon.Lowercase(spec.Driver)
	spec.Method = canon.Lowercase(spec.Method)
	spec.Basis = canon.Lowercase(spec.Basis)

	keywords, err := canon.NormalizeRaw(spec.Keywords)
	if err != nil {
		return "", false, err
	}
	protocols, err := canon.NormalizeRaw(spec.Protocols)
	if err != nil {
		return "", false, err
	}
	spec.Keywords = keywords
	spec.Protocols = protocols

	hash, err := canon.HashValue(specIdentity(spec))
	if err != nil {
		return "", false, err
	}

	var id string
	var existed bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpecifications)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing types.Specification
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			existingHash, err := canon.HashValue(specIdentity(&existing))
			if err != nil {
				return err
			}
			if existingHash == hash {
				id = existing.ID
				existed = true
				return nil
			}
		}

		spec.ID = uuid.NewString()
		spec.CreatedOn = time.Now().UTC()
		data, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		id = spec.ID
		return b.Put([]byte(spec.ID), data)
	})
	return id, existed, err
}

// specIdentity projects the fields that determine a specification's
// identity (§3: "Identity = content (all fields equal)"), excluding the
// server-assigned ID and CreatedOn timestamp.
func specIdentity(spec *types.Specification) map[string]any {
	return map[string]any{
		"program":                        spec.Program,
		"driver":                         spec.Driver,
		"method":                         spec.Method,
		"basis":                          spec.Basis,
		"keywords":                       json.RawMessage(spec.Keywords),
		"protocols":                      json.RawMessage(spec.Protocols),
		"singlepoint_specification_id":   spec.SinglepointSpecificationID,
		"optimization_specification_id":  spec.OptimizationSpecificationID,
	}
}

func (s *MemStore) GetSpecification(_ context.Context, id string) (*types.Specification, error) {
	var spec types.Specification
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSpecifications).Get([]byte(id))
		if data == nil {
			return ferrors.NotFoundf("specification %s not found", id)
		}
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// --- Molecules (C2) ---

func (s *MemStore) AddMolecules(_ context.Context, inputs []types.MoleculeInput) ([]string, types.InsertMetadata, error) {
	ids := make([]string, len(inputs))
	meta := types.InsertMetadata{}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMolecules)
		hashToID := map[string]string{}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m types.Molecule
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			hashToID[m.Hash] = m.ID
			_ = k
		}

		seenThisCall := map[string]string{}
		for i, in := range inputs {
			if in.ID != "" {
				data := b.Get([]byte(in.ID))
				if data == nil {
					meta.Errors = append(meta.Errors, types.IndexError{Index: i, Message: "unknown molecule id"})
					continue
				}
				ids[i] = in.ID
				meta.ExistingIdx = append(meta.ExistingIdx, i)
				continue
			}

			hash, err := canon.HashValue(moleculeIdentity(in.Literal))
			if err != nil {
				meta.Errors = append(meta.Errors, types.IndexError{Index: i, Message: err.Error()})
				continue
			}

			if id, ok := hashToID[hash]; ok {
				ids[i] = id
				meta.ExistingIdx = append(meta.ExistingIdx, i)
				continue
			}
			if id, ok := seenThisCall[hash]; ok {
				ids[i] = id
				meta.ExistingIdx = append(meta.ExistingIdx, i)
				continue
			}

			m := *in.Literal
			m.ID = uuid.NewString()
			m.Hash = hash
			m.CreatedOn = time.Now().UTC()
			data, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(m.ID), data); err != nil {
				return err
			}
			ids[i] = m.ID
			hashToID[hash] = m.ID
			seenThisCall[hash] = m.ID
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})

	sort.Ints(meta.InsertedIdx)
	sort.Ints(meta.ExistingIdx)
	return ids, meta, err
}

func moleculeIdentity(m *types.Molecule) map[string]any {
	return map[string]any{
		"symbols":                  m.Symbols,
		"geometry":                 m.Geometry,
		"molecular_charge":         m.MolecularCharge,
		"molecular_multiplicity":   m.MolecularMultiplicity,
	}
}

func (s *MemStore) GetMolecule(_ context.Context, id string) (*types.Molecule, error) {
	var m types.Molecule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMolecules).Get([]byte(id))
		if data == nil {
			return ferrors.NotFoundf("molecule %s not found", id)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Records (C3) ---

func (s *MemStore) CreateRecord(_ context.Context, rec *types.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		rec.CreatedOn = now
		rec.ModifiedOn = now
		if rec.Status == "" {
			rec.Status = types.StatusWaiting
		}
		if rec.Tag == "" {
			rec.Tag = types.TagAny
		}
		if rec.Priority == "" {
			rec.Priority = types.PriorityNormal
		}
		data, err := json.Marshal(recordEnvelope{Record: *rec})
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// recordEnvelope stores a Record plus its append-only history, since Record
// itself marks ComputeHistory as db:"-" (it lives in its own table in the
// Postgres backend, per §3).
type recordEnvelope struct {
	Record  types.Record         `json:"record"`
	History []types.HistoryEntry `json:"history"`
}

func (s *MemStore) getEnvelope(tx *bolt.Tx, id string) (*recordEnvelope, error) {
	data := tx.Bucket(bucketRecords).Get([]byte(id))
	if data == nil {
		return nil, ferrors.NotFoundf("record %s not found", id)
	}
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *MemStore) putEnvelope(tx *bolt.Tx, env *recordEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRecords).Put([]byte(env.Record.ID), data)
}

func (s *MemStore) GetRecord(_ context.Context, id string) (*types.Record, error) {
	var rec types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, id)
		if err != nil {
			return err
		}
		rec = env.Record
		rec.ComputeHistory = env.History
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MemStore) QueryRecords(_ context.Context, filter types.RecordQueryFilter) ([]*types.Record, types.QueryMetadata, error) {
	var all []*types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env recordEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			rec := env.Record
			rec.ComputeHistory = env.History
			if matchesFilter(&rec, filter) {
				all = append(all, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, types.QueryMetadata{}, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedOn.Before(all[j].CreatedOn) })

	total := len(all)
	skip := filter.Skip
	if skip > total {
		skip = total
	}
	all = all[skip:]
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, types.QueryMetadata{TotalCount: total, Skip: filter.Skip}, nil
}

func matchesFilter(rec *types.Record, f types.RecordQueryFilter) bool {
	if len(f.IDs) > 0 && !containsStr(f.IDs, rec.ID) {
		return false
	}
	if len(f.RecordTypes) > 0 && !containsType(f.RecordTypes, rec.RecordType) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, rec.Status) {
		return false
	}
	if f.Tag != "" && rec.Tag != f.Tag {
		return false
	}
	if f.ManagerName != "" && rec.ManagerName != f.ManagerName {
		return false
	}
	return true
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsType(xs []types.RecordType, x types.RecordType) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsStatus(xs []types.RecordStatus, x types.RecordStatus) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (s *MemStore) TransitionRecord(_ context.Context, id string, to types.RecordStatus, entry types.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, id)
		if err != nil {
			return err
		}
		env.Record.Status = to
		env.Record.ModifiedOn = time.Now().UTC()
		if entry.ManagerName != "" {
			env.Record.ManagerName = entry.ManagerName
		}
		entry.Status = to
		entry.ModifiedOn = env.Record.ModifiedOn
		env.History = append(env.History, entry)
		return s.putEnvelope(tx, env)
	})
}

func (s *MemStore) DeleteRecord(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, id)
		if err != nil {
			return err
		}
		env.Record.PriorStatus = env.Record.Status
		env.Record.Status = types.StatusDeleted
		env.Record.ModifiedOn = time.Now().UTC()
		return s.putEnvelope(tx, env)
	})
}

func (s *MemStore) UndeleteRecord(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, id)
		if err != nil {
			return err
		}
		if env.Record.Status != types.StatusDeleted {
			return ferrors.InvalidTransitionf("record %s is not deleted", id)
		}
		env.Record.Status = env.Record.PriorStatus
		env.Record.PriorStatus = ""
		env.Record.ModifiedOn = time.Now().UTC()
		return s.putEnvelope(tx, env)
	})
}

// HardDeleteRecord removes the record and any task/service row it still
// owns, cascading to the service's dependency links (which live inside the
// service row's own JSON blob in this backend) but never to the child
// records those links reference (§3 invariant 4, §8 scenario 6).
func (s *MemStore) HardDeleteRecord(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecords).Get([]byte(id)) == nil {
			return ferrors.NotFoundf("record %s not found", id)
		}
		if err := tx.Bucket(bucketTasks).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketServices).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Delete([]byte(id))
	})
}

func (s *MemStore) AppendHistory(_ context.Context, id string, entry types.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, id)
		if err != nil {
			return err
		}
		env.History = append(env.History, entry)
		return s.putEnvelope(tx, env)
	})
}

// --- Tasks (C4) ---

// CreateTask is idempotent on RecordID: an existing row only has its
// AvailableDate bumped, per §4.4 enqueue's "if a row for record_id exists,
// update its available_date only".
func (s *MemStore) CreateTask(_ context.Context, task *types.TaskRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		now := time.Now().UTC()
		if existing := b.Get([]byte(task.RecordID)); existing != nil {
			var t types.TaskRow
			if err := json.Unmarshal(existing, &t); err != nil {
				return err
			}
			t.AvailableDate = now
			data, err := json.Marshal(&t)
			if err != nil {
				return err
			}
			return b.Put([]byte(task.RecordID), data)
		}

		if task.Tag == "" {
			task.Tag = types.TagAny
		}
		if task.Priority == "" {
			task.Priority = types.PriorityNormal
		}
		task.CreatedOn = now
		task.AvailableDate = now
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.RecordID), data)
	})
}

// ClaimTasks mimics `SELECT ... FOR UPDATE SKIP LOCKED`: it scans eligible
// waiting tasks ordered by priority desc then available_date asc, marks the
// chosen rows running under the manager, and returns them, all inside one
// bbolt writer transaction so no other caller can observe or claim the same
// rows mid-scan.
func (s *MemStore) ClaimTasks(_ context.Context, managerName string, tags []string, programs []string, limit int) ([]*types.TaskRow, error) {
	var claimed []*types.TaskRow
	err := s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		recBucket := tx.Bucket(bucketRecords)

		var candidates []*types.TaskRow
		c := taskBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t types.TaskRow
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if !tagEligible(t.Tag, tags) {
				continue
			}
			if !programsEligible(t.RequiredPrograms, programs) {
				continue
			}

			envData := recBucket.Get([]byte(t.RecordID))
			if envData == nil {
				continue
			}
			var env recordEnvelope
			if err := json.Unmarshal(envData, &env); err != nil {
				return err
			}
			if env.Record.Status != types.StatusWaiting {
				continue
			}
			candidates = append(candidates, &t)
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority.Weight() != candidates[j].Priority.Weight() {
				return candidates[i].Priority.Weight() > candidates[j].Priority.Weight()
			}
			return candidates[i].AvailableDate.Before(candidates[j].AvailableDate)
		})

		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}

		now := time.Now().UTC()
		for _, t := range candidates {
			env, err := s.getEnvelope(tx, t.RecordID)
			if err != nil {
				return err
			}
			env.Record.Status = types.StatusRunning
			env.Record.ManagerName = managerName
			env.Record.ModifiedOn = now
			env.History = append(env.History, types.HistoryEntry{
				Status:      types.StatusRunning,
				ManagerName: managerName,
				ModifiedOn:  now,
			})
			if err := s.putEnvelope(tx, env); err != nil {
				return err
			}
			claimed = append(claimed, t)
		}

		if mgrData := tx.Bucket(bucketManagers).Get([]byte(managerName)); mgrData != nil && len(claimed) > 0 {
			var mgr types.Manager
			if err := json.Unmarshal(mgrData, &mgr); err != nil {
				return err
			}
			mgr.Claimed += int64(len(claimed))
			data, err := json.Marshal(&mgr)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketManagers).Put([]byte(managerName), data); err != nil {
				return err
			}
		}

		return nil
	})
	return claimed, err
}

func tagEligible(taskTag string, managerTags []string) bool {
	if taskTag == types.TagAny {
		return true
	}
	for _, t := range managerTags {
		if t == types.TagAny || t == taskTag {
			return true
		}
	}
	return false
}

// dependenciesResolved reports whether every dependency's child record has
// reached a terminal status, the precondition for iterating a service
// (§4.5: "Pre: the service has zero pending children").
func (s *MemStore) dependenciesResolved(tx *bolt.Tx, deps []types.DependencyLink) bool {
	for _, dep := range deps {
		envData := tx.Bucket(bucketRecords).Get([]byte(dep.ChildRecordID))
		if envData == nil {
			continue
		}
		var env recordEnvelope
		if err := json.Unmarshal(envData, &env); err != nil {
			return false
		}
		switch env.Record.Status {
		case types.StatusWaiting, types.StatusRunning:
			return false
		}
	}
	return true
}

func programsEligible(required []string, available []string) bool {
	if len(required) == 0 {
		return true
	}
	have := map[string]bool{}
	for _, p := range available {
		have[p] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// ReturnTask discards late returns for records no longer running (§5
// cancellation semantics, §8 scenario 5): a cancelled-or-otherwise-moved-on
// record silently keeps its current status, with a history note, instead
// of being overwritten by a manager result that arrived after the fact.
func (s *MemStore) ReturnTask(_ context.Context, managerName string, result types.TaskResult, outputs types.HistoryOutputs) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, result.RecordID)
		if err != nil {
			return err
		}
		if env.Record.ManagerName != managerName {
			return ferrors.New(ferrors.Unauthorized, fmt.Sprintf(
				"record %s is claimed by %q, not %q", result.RecordID, env.Record.ManagerName, managerName))
		}
		if env.Record.Status != types.StatusRunning {
			env.History = append(env.History, types.HistoryEntry{
				Status: env.Record.Status, ManagerName: managerName,
				ModifiedOn: time.Now().UTC(), Note: "late return ignored",
			})
			return s.putEnvelope(tx, env)
		}

		now := time.Now().UTC()
		env.Record.ModifiedOn = now
		status := types.StatusComplete
		if !result.Success {
			status = types.StatusError
		}
		env.Record.Status = status
		entry := types.HistoryEntry{
			Status:      status,
			ManagerName: managerName,
			ModifiedOn:  now,
			Outputs:     outputs,
		}
		// The claim opened this attempt's history entry; the return
		// completes it rather than adding a second one.
		if n := len(env.History); n > 0 && env.History[n-1].Status == types.StatusRunning && env.History[n-1].ManagerName == managerName {
			env.History[n-1] = entry
		} else {
			env.History = append(env.History, entry)
		}
		if err := s.putEnvelope(tx, env); err != nil {
			return err
		}
		taskBucket := tx.Bucket(bucketTasks)
		if taskBucket.Get([]byte(result.RecordID)) != nil {
			if err := taskBucket.Delete([]byte(result.RecordID)); err != nil {
				return err
			}
		}

		if mgrData := tx.Bucket(bucketManagers).Get([]byte(managerName)); mgrData != nil {
			var mgr types.Manager
			if err := json.Unmarshal(mgrData, &mgr); err != nil {
				return err
			}
			mgr.Returned++
			data, err := json.Marshal(&mgr)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketManagers).Put([]byte(managerName), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MemStore) RequeueOrphanedTasks(_ context.Context, managerName string) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env recordEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Record.Status == types.StatusRunning && env.Record.ManagerName == managerName {
				env.Record.Status = types.StatusWaiting
				env.Record.ManagerName = ""
				env.Record.ModifiedOn = time.Now().UTC()
				env.History = append(env.History, types.HistoryEntry{
					Status:     types.StatusWaiting,
					ModifiedOn: env.Record.ModifiedOn,
					Note:       "reclaimed after manager loss",
				})
				if err := s.putEnvelope(tx, &env); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- Services (C5) ---

func (s *MemStore) CreateService(_ context.Context, svc *types.ServiceRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if svc.Tag == "" {
			svc.Tag = types.TagAny
		}
		if svc.Priority == "" {
			svc.Priority = types.PriorityNormal
		}
		svc.CreatedOn = time.Now().UTC()
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Put([]byte(svc.RecordID), data)
	})
}

func (s *MemStore) ClaimServiceIteration(_ context.Context, managerName string, tags []string, limit int) ([]*types.ServiceRow, error) {
	var claimed []*types.ServiceRow
	err := s.db.Update(func(tx *bolt.Tx) error {
		svcBucket := tx.Bucket(bucketServices)
		recBucket := tx.Bucket(bucketRecords)

		var candidates []*types.ServiceRow
		c := svcBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var svc types.ServiceRow
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			if !tagEligible(svc.Tag, tags) {
				continue
			}
			envData := recBucket.Get([]byte(svc.RecordID))
			if envData == nil {
				continue
			}
			var env recordEnvelope
			if err := json.Unmarshal(envData, &env); err != nil {
				return err
			}
			if env.Record.Status != types.StatusWaiting && env.Record.Status != types.StatusRunning {
				continue
			}
			if !s.dependenciesResolved(tx, svc.Dependencies) {
				continue
			}
			candidates = append(candidates, &svc)
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority.Weight() > candidates[j].Priority.Weight()
		})
		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}

		now := time.Now().UTC()
		for _, svc := range candidates {
			env, err := s.getEnvelope(tx, svc.RecordID)
			if err != nil {
				return err
			}
			if env.Record.Status == types.StatusWaiting {
				env.Record.Status = types.StatusRunning
				env.History = append(env.History, types.HistoryEntry{Status: types.StatusRunning, ModifiedOn: now})
			}
			env.Record.ManagerName = managerName
			env.Record.ModifiedOn = now
			if err := s.putEnvelope(tx, env); err != nil {
				return err
			}
			claimed = append(claimed, svc)
		}
		return nil
	})
	return claimed, err
}

func (s *MemStore) GetServiceDependencies(_ context.Context, recordID string) ([]types.DependencyLink, error) {
	var deps []types.DependencyLink
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(recordID))
		if data == nil {
			return ferrors.NotFoundf("service %s not found", recordID)
		}
		var svc types.ServiceRow
		if err := json.Unmarshal(data, &svc); err != nil {
			return err
		}
		deps = svc.Dependencies
		return nil
	})
	return deps, err
}

// SaveServiceState replaces the service's dependency set with
// newDependencies (the driver already folded any still-pending
// dependencies it wants to keep into that slice) rather than appending, so
// a completed wave's links don't linger alongside the next one.
func (s *MemStore) SaveServiceState(_ context.Context, recordID string, state []byte, newDependencies []types.DependencyLink) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(recordID))
		if data == nil {
			return ferrors.NotFoundf("service %s not found", recordID)
		}
		var svc types.ServiceRow
		if err := json.Unmarshal(data, &svc); err != nil {
			return err
		}
		svc.ServiceState = state
		svc.Dependencies = newDependencies
		out, err := json.Marshal(&svc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Put([]byte(recordID), out)
	})
}

// --- Managers (C6) ---

func (s *MemStore) RegisterManager(_ context.Context, mgr *types.Manager) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mgr.Status = types.ManagerActive
		now := time.Now().UTC()
		mgr.CreatedOn = now
		mgr.LastHeartbeat = now
		data, err := json.Marshal(mgr)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketManagers).Put([]byte(mgr.Name), data)
	})
}

func (s *MemStore) Heartbeat(_ context.Context, managerName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManagers)
		data := b.Get([]byte(managerName))
		if data == nil {
			return ferrors.NotFoundf("manager %s not found", managerName)
		}
		var mgr types.Manager
		if err := json.Unmarshal(data, &mgr); err != nil {
			return err
		}
		mgr.LastHeartbeat = time.Now().UTC()
		mgr.Status = types.ManagerActive
		out, err := json.Marshal(&mgr)
		if err != nil {
			return err
		}
		return b.Put([]byte(managerName), out)
	})
}

func (s *MemStore) ListManagers(_ context.Context, activeOnly bool) ([]*types.Manager, error) {
	var out []*types.Manager
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketManagers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var mgr types.Manager
			if err := json.Unmarshal(v, &mgr); err != nil {
				return err
			}
			if activeOnly && mgr.Status != types.ManagerActive {
				continue
			}
			out = append(out, &mgr)
		}
		return nil
	})
	return out, err
}

func (s *MemStore) SweepInactiveManagers(_ context.Context, maxMissed int, period time.Duration) ([]string, error) {
	var reclaimed []string
	deadline := time.Duration(maxMissed) * period

	err := s.db.Update(func(tx *bolt.Tx) error {
		mgrBucket := tx.Bucket(bucketManagers)
		c := mgrBucket.Cursor()
		now := time.Now().UTC()
		var stale []string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var mgr types.Manager
			if err := json.Unmarshal(v, &mgr); err != nil {
				return err
			}
			if mgr.Status == types.ManagerActive && now.Sub(mgr.LastHeartbeat) > deadline {
				mgr.Status = types.ManagerInactive
				out, err := json.Marshal(&mgr)
				if err != nil {
					return err
				}
				if err := mgrBucket.Put([]byte(mgr.Name), out); err != nil {
					return err
				}
				stale = append(stale, mgr.Name)
			}
		}

		recBucket := tx.Bucket(bucketRecords)
		rc := recBucket.Cursor()
		for k, v := rc.First(); k != nil; k, v = rc.Next() {
			var env recordEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Record.Status != types.StatusRunning {
				continue
			}
			if !containsStr(stale, env.Record.ManagerName) {
				continue
			}
			env.Record.Status = types.StatusWaiting
			lost := env.Record.ManagerName
			env.Record.ManagerName = ""
			env.Record.ModifiedOn = now
			env.History = append(env.History, types.HistoryEntry{
				Status:     types.StatusWaiting,
				ModifiedOn: now,
				Note:       fmt.Sprintf("reclaimed after manager %s went inactive", lost),
			})
			if err := s.putEnvelope(tx, &env); err != nil {
				return err
			}
			reclaimed = append(reclaimed, env.Record.ID)
		}
		return nil
	})
	return reclaimed, err
}

// --- Outputs (C7) ---

func (s *MemStore) PutOutputBlob(_ context.Context, blob *types.OutputBlob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if blob.ID == "" {
			blob.ID = uuid.NewString()
		}
		blob.CreatedOn = time.Now().UTC()
		data, err := json.Marshal(blob)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOutputs).Put([]byte(blob.ID), data)
	})
}

func (s *MemStore) GetOutputBlob(_ context.Context, id string) (*types.OutputBlob, error) {
	var blob types.OutputBlob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOutputs).Get([]byte(id))
		if data == nil {
			return ferrors.NotFoundf("output blob %s not found", id)
		}
		return json.Unmarshal(data, &blob)
	})
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// ReplaceRecordOutputs deletes a record's previously stored outputs (if any)
// and inserts the new ones in the same transaction, so a retried
// computation's stale output blobs never linger (see original_source/'s
// replace-in-transaction semantics, DESIGN.md).
func (s *MemStore) ReplaceRecordOutputs(_ context.Context, recordID string, outputs map[types.OutputType]*types.OutputBlob) (types.HistoryOutputs, error) {
	result := types.HistoryOutputs{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, recordID)
		if err != nil {
			return err
		}
		if len(env.History) > 0 {
			last := env.History[len(env.History)-1]
			for _, oldID := range last.Outputs {
				tx.Bucket(bucketOutputs).Delete([]byte(oldID))
			}
		}

		outBucket := tx.Bucket(bucketOutputs)
		for ot, blob := range outputs {
			if blob.ID == "" {
				blob.ID = uuid.NewString()
			}
			blob.OutputType = ot
			blob.CreatedOn = time.Now().UTC()
			data, err := json.Marshal(blob)
			if err != nil {
				return err
			}
			if err := outBucket.Put([]byte(blob.ID), data); err != nil {
				return err
			}
			result[ot] = blob.ID
		}
		return nil
	})
	return result, err
}
