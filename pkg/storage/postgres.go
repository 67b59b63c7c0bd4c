package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/openqc/fleet/pkg/canon"
	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/log"
	"github.com/openqc/fleet/pkg/types"
)

// PGStore is the production Store backed by Postgres. Writes that must be
// atomic (interning, claiming, returning, reclaiming) go through a pgxpool
// transaction; read-heavy queries that scan into structs go through an
// sqlx.DB opened with the lib/pq driver, matching the split the rest of the
// pack uses between a transactional pool and a struct-scanning read path.
type PGStore struct {
	pool *pgxpool.Pool
	rdb  *sqlx.DB
}

// NewPGStore opens a pgxpool against dsn for transactional writes and a
// parallel sqlx.DB (lib/pq driver) for struct-scanning reads.
func NewPGStore(ctx context.Context, dsn string, maxOpen, maxIdle int) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxOpen > 0 {
		poolCfg.MaxConns = int32(maxOpen)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	rdb, err := sqlx.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open read-path connection: %w", err)
	}
	if maxOpen > 0 {
		rdb.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		rdb.SetMaxIdleConns(maxIdle)
	}

	return &PGStore{pool: pool, rdb: rdb}, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return s.rdb.Close()
}

// --- Specifications (C1) ---

func (s *PGStore) InternSpecification(ctx context.Context, spec *types.Specification) (string, bool, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin intern tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, existed, err := internOne(ctx, tx, spec, keywords, protocols)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit intern tx: %w", err)
	}
	return id, existed, nil
}

// internOne performs the insert-or-fetch for a single specification inside
// an already-open transaction, so nested specifications (a gridopt spec
// embedding an optimization spec embedding a singlepoint spec) can be
// interned bottom-up in one atomic unit (§4.1).
func internOne(ctx context.Context, tx pgx.Tx, spec *types.Specification, keywords, protocols json.RawMessage) (string, bool, error) {
	id := uuid.NewString()
	row := tx.QueryRow(ctx, `
		INSERT INTO specifications (
			id, program, driver, method, basis, keywords, protocols,
			singlepoint_specification_id, optimization_specification_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''))
		ON CONFLICT ON CONSTRAINT specifications_identity DO NOTHING
		RETURNING id`,
		id, spec.Program, spec.Driver, spec.Method, spec.Basis,
		keywords, protocols,
		spec.SinglepointSpecificationID, spec.OptimizationSpecificationID,
	)

	var insertedID string
	err := row.Scan(&insertedID)
	if err == nil {
		return insertedID, false, nil
	}
	if err != pgx.ErrNoRows {
		return "", false, ferrors.Wrap(ferrors.DeveloperError, "intern specification insert failed", err)
	}

	existing := tx.QueryRow(ctx, `
		SELECT id FROM specifications
		WHERE program = $1 AND driver = $2 AND method = $3 AND basis = $4
		  AND keywords = $5 AND protocols = $6
		  AND coalesce(singlepoint_specification_id,'') = $7
		  AND coalesce(optimization_specification_id,'') = $8`,
		spec.Program, spec.Driver, spec.Method, spec.Basis,
		keywords, protocols,
		spec.SinglepointSpecificationID, spec.OptimizationSpecificationID,
	)
	var existingID string
	if err := existing.Scan(&existingID); err != nil {
		return "", false, ferrors.Wrap(ferrors.DeveloperError, "intern specification lookup failed", err)
	}
	return existingID, true, nil
}

func (s *PGStore) GetSpecification(ctx context.Context, id string) (*types.Specification, error) {
	var spec types.Specification
	var splitID, optID *string
	err := s.rdb.QueryRowxContext(ctx, `
		SELECT id, program, driver, method, basis, keywords, protocols,
		       singlepoint_specification_id, optimization_specification_id, created_on
		FROM specifications WHERE id = $1`, id).
		Scan(&spec.ID, &spec.Program, &spec.Driver, &spec.Method, &spec.Basis,
			&spec.Keywords, &spec.Protocols, &splitID, &optID, &spec.CreatedOn)
	if err != nil {
		return nil, ferrors.NotFoundf("specification %s not found", id)
	}
	if splitID != nil {
		spec.SinglepointSpecificationID = *splitID
	}
	if optID != nil {
		spec.OptimizationSpecificationID = *optID
	}
	return &spec, nil
}

// --- Molecules (C2) ---

func (s *PGStore) AddMolecules(ctx context.Context, inputs []types.MoleculeInput) ([]string, types.InsertMetadata, error) {
	ids := make([]string, len(inputs))
	meta := types.InsertMetadata{}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, meta, fmt.Errorf("begin add_mixed tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seenThisCall := map[string]string{}
	for i, in := range inputs {
		if in.ID != "" {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT true FROM molecules WHERE id = $1`, in.ID).Scan(&exists); err != nil {
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
		if id, ok := seenThisCall[hash]; ok {
			ids[i] = id
			meta.ExistingIdx = append(meta.ExistingIdx, i)
			continue
		}

		id := uuid.NewString()
		symbols, _ := json.Marshal(in.Literal.Symbols)
		identifiers, _ := json.Marshal(in.Literal.Identifiers)
		row := tx.QueryRow(ctx, `
			INSERT INTO molecules (id, hash, symbols, geometry, molecular_charge, molecular_multiplicity, identifiers)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (hash) DO NOTHING
			RETURNING id`,
			id, hash, symbols, in.Literal.Geometry, in.Literal.MolecularCharge, in.Literal.MolecularMultiplicity, identifiers,
		)
		var insertedID string
		switch err := row.Scan(&insertedID); err {
		case nil:
			ids[i] = insertedID
			seenThisCall[hash] = insertedID
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		case pgx.ErrNoRows:
			var existingID string
			if err := tx.QueryRow(ctx, `SELECT id FROM molecules WHERE hash = $1`, hash).Scan(&existingID); err != nil {
				meta.Errors = append(meta.Errors, types.IndexError{Index: i, Message: err.Error()})
				continue
			}
			ids[i] = existingID
			seenThisCall[hash] = existingID
			meta.ExistingIdx = append(meta.ExistingIdx, i)
		default:
			return nil, meta, ferrors.Wrap(ferrors.DeveloperError, "add_mixed insert failed", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, meta, fmt.Errorf("commit add_mixed tx: %w", err)
	}
	return ids, meta, nil
}

func (s *PGStore) GetMolecule(ctx context.Context, id string) (*types.Molecule, error) {
	var m types.Molecule
	var symbols, identifiers []byte
	err := s.rdb.QueryRowxContext(ctx, `
		SELECT id, hash, symbols, geometry, molecular_charge, molecular_multiplicity, identifiers, created_on
		FROM molecules WHERE id = $1`, id).
		Scan(&m.ID, &m.Hash, &symbols, &m.Geometry, &m.MolecularCharge, &m.MolecularMultiplicity, &identifiers, &m.CreatedOn)
	if err != nil {
		return nil, ferrors.NotFoundf("molecule %s not found", id)
	}
	json.Unmarshal(symbols, &m.Symbols)
	json.Unmarshal(identifiers, &m.Identifiers)
	return &m, nil
}

// --- Records (C3) ---

func (s *PGStore) CreateRecord(ctx context.Context, rec *types.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = types.StatusWaiting
	}
	if rec.Tag == "" {
		rec.Tag = types.TagAny
	}
	if rec.Priority == "" {
		rec.Priority = types.PriorityNormal
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create_record tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO records (id, record_type, specification_id, status, is_service, owner_user, owner_group, tag, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.RecordType, rec.SpecificationID, rec.Status, rec.IsService, rec.OwnerUser, rec.OwnerGroup, rec.Tag, rec.Priority,
	)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "create record failed", err)
	}

	for pos, molID := range rec.MoleculeIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO record_molecules (record_id, molecule_id, position) VALUES ($1,$2,$3)`,
			rec.ID, molID, pos); err != nil {
			return ferrors.Wrap(ferrors.DeveloperError, "link record molecule failed", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO record_history (record_id, status, modified_on) VALUES ($1,$2,now())`,
		rec.ID, rec.Status,
	); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "seed record history failed", err)
	}

	return tx.Commit(ctx)
}

func (s *PGStore) GetRecord(ctx context.Context, id string) (*types.Record, error) {
	var rec types.Record
	err := s.rdb.QueryRowxContext(ctx, `
		SELECT id, record_type, specification_id, status, prior_status, is_service,
		       manager_name, owner_user, owner_group, tag, priority, created_on, modified_on
		FROM records WHERE id = $1`, id).
		Scan(&rec.ID, &rec.RecordType, &rec.SpecificationID, &rec.Status, &rec.PriorStatus, &rec.IsService,
			&rec.ManagerName, &rec.OwnerUser, &rec.OwnerGroup, &rec.Tag, &rec.Priority, &rec.CreatedOn, &rec.ModifiedOn)
	if err != nil {
		return nil, ferrors.NotFoundf("record %s not found", id)
	}

	rows, err := s.rdb.QueryxContext(ctx, `
		SELECT status, manager_name, modified_on, provenance, outputs, note
		FROM record_history WHERE record_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "load record history failed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h types.HistoryEntry
		var provenance, outputs []byte
		if err := rows.Scan(&h.Status, &h.ManagerName, &h.ModifiedOn, &provenance, &outputs, &h.Note); err != nil {
			return nil, err
		}
		json.Unmarshal(provenance, &h.Provenance)
		json.Unmarshal(outputs, &h.Outputs)
		rec.ComputeHistory = append(rec.ComputeHistory, h)
	}

	return &rec, nil
}

func (s *PGStore) QueryRecords(ctx context.Context, filter types.RecordQueryFilter) ([]*types.Record, types.QueryMetadata, error) {
	where := "WHERE true"
	args := []any{}
	argN := 1

	if len(filter.Statuses) > 0 {
		where += fmt.Sprintf(" AND status = ANY($%d)", argN)
		args = append(args, statusStrings(filter.Statuses))
		argN++
	}
	if filter.Tag != "" {
		where += fmt.Sprintf(" AND tag = $%d", argN)
		args = append(args, filter.Tag)
		argN++
	}
	if filter.ManagerName != "" {
		where += fmt.Sprintf(" AND manager_name = $%d", argN)
		args = append(args, filter.ManagerName)
		argN++
	}

	var total int
	if err := s.rdb.QueryRowxContext(ctx, "SELECT count(*) FROM records "+where, args...).Scan(&total); err != nil {
		return nil, types.QueryMetadata{}, ferrors.Wrap(ferrors.DeveloperError, "count records failed", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`
		SELECT id, record_type, specification_id, status, prior_status, is_service,
		       manager_name, owner_user, owner_group, tag, priority, created_on, modified_on
		FROM records %s ORDER BY created_on ASC OFFSET $%d LIMIT $%d`, where, argN, argN+1)
	args = append(args, filter.Skip, limit)

	rows, err := s.rdb.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, types.QueryMetadata{}, ferrors.Wrap(ferrors.DeveloperError, "query records failed", err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		var rec types.Record
		if err := rows.Scan(&rec.ID, &rec.RecordType, &rec.SpecificationID, &rec.Status, &rec.PriorStatus, &rec.IsService,
			&rec.ManagerName, &rec.OwnerUser, &rec.OwnerGroup, &rec.Tag, &rec.Priority, &rec.CreatedOn, &rec.ModifiedOn); err != nil {
			return nil, types.QueryMetadata{}, err
		}
		out = append(out, &rec)
	}

	return out, types.QueryMetadata{TotalCount: total, Skip: filter.Skip}, nil
}

func statusStrings(ss []types.RecordStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (s *PGStore) TransitionRecord(ctx context.Context, id string, to types.RecordStatus, entry types.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE records SET status = $1, modified_on = now(),
		       manager_name = CASE WHEN $2 <> '' THEN $2 ELSE manager_name END
		WHERE id = $3`, to, entry.ManagerName, id)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "transition record failed", err)
	}
	if cmd.RowsAffected() == 0 {
		return ferrors.NotFoundf("record %s not found", id)
	}

	provenance, _ := json.Marshal(entry.Provenance)
	outputs, _ := json.Marshal(entry.Outputs)
	if _, err := tx.Exec(ctx, `
		INSERT INTO record_history (record_id, status, manager_name, modified_on, provenance, outputs, note)
		VALUES ($1,$2,$3,now(),$4,$5,$6)`,
		id, to, entry.ManagerName, provenance, outputs, entry.Note,
	); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "append transition history failed", err)
	}

	return tx.Commit(ctx)
}

func (s *PGStore) DeleteRecord(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE records SET prior_status = status, status = 'deleted', modified_on = now()
		WHERE id = $1 AND status <> 'deleted'`, id)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "delete record failed", err)
	}
	if cmd.RowsAffected() == 0 {
		return ferrors.NotFoundf("record %s not found or already deleted", id)
	}
	return nil
}

func (s *PGStore) UndeleteRecord(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE records SET status = prior_status, prior_status = '', modified_on = now()
		WHERE id = $1 AND status = 'deleted'`, id)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "undelete record failed", err)
	}
	if cmd.RowsAffected() == 0 {
		return ferrors.InvalidTransitionf("record %s is not deleted", id)
	}
	return nil
}

// HardDeleteRecord relies on the schema's ON DELETE CASCADE from tasks,
// services, service_dependencies, and record_history onto records(id); it
// never cascades onto service_dependencies.child_record_id, so a child
// record referenced by another still-live service survives (§3 invariant
// 4, §8 scenario 6).
func (s *PGStore) HardDeleteRecord(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "hard delete record failed", err)
	}
	if cmd.RowsAffected() == 0 {
		return ferrors.NotFoundf("record %s not found", id)
	}
	return nil
}

func (s *PGStore) AppendHistory(ctx context.Context, id string, entry types.HistoryEntry) error {
	provenance, _ := json.Marshal(entry.Provenance)
	outputs, _ := json.Marshal(entry.Outputs)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO record_history (record_id, status, manager_name, modified_on, provenance, outputs, note)
		VALUES ($1,$2,$3,now(),$4,$5,$6)`,
		id, entry.Status, entry.ManagerName, provenance, outputs, entry.Note,
	)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "append history failed", err)
	}
	return nil
}

// --- Tasks (C4) ---

// CreateTask is idempotent on record_id: a conflicting insert only bumps
// available_date, per §4.4 enqueue's "update its available_date only".
func (s *PGStore) CreateTask(ctx context.Context, task *types.TaskRow) error {
	if task.Tag == "" {
		task.Tag = types.TagAny
	}
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	requiredPrograms, _ := json.Marshal(task.RequiredPrograms)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (record_id, function, tag, priority, required_programs)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (record_id) DO UPDATE SET available_date = now()`,
		task.RecordID, task.Function, task.Tag, task.Priority, requiredPrograms,
	)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "create task failed", err)
	}
	return nil
}

// ClaimTasks implements the tag/priority/program-aware claim with
// `SELECT ... FOR UPDATE SKIP LOCKED`, so concurrent managers never block on
// or double-claim the same row (§4.4).
func (s *PGStore) ClaimTasks(ctx context.Context, managerName string, tags []string, programs []string, limit int) ([]*types.TaskRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT t.record_id, t.function, t.tag, t.priority, t.required_programs, t.created_on, t.available_date
		FROM tasks t
		JOIN records r ON r.id = t.record_id
		WHERE r.status = 'waiting'
		  AND (t.tag = '*' OR t.tag = ANY($1))
		  AND (t.required_programs = '[]' OR t.required_programs <@ to_jsonb($2::text[]))
		ORDER BY fleet_priority_rank(t.priority) DESC, t.available_date ASC
		FOR UPDATE OF t SKIP LOCKED
		LIMIT $3`, tags, programs, limit)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "claim scan failed", err)
	}

	var claimed []*types.TaskRow
	var recordIDs []string
	for rows.Next() {
		var t types.TaskRow
		var requiredPrograms []byte
		if err := rows.Scan(&t.RecordID, &t.Function, &t.Tag, &t.Priority, &requiredPrograms, &t.CreatedOn, &t.AvailableDate); err != nil {
			rows.Close()
			return nil, err
		}
		json.Unmarshal(requiredPrograms, &t.RequiredPrograms)
		claimed = append(claimed, &t)
		recordIDs = append(recordIDs, t.RecordID)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE records SET status = 'running', manager_name = $1, modified_on = now()
		WHERE id = ANY($2)`, managerName, recordIDs); err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "claim status update failed", err)
	}

	for _, rid := range recordIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO record_history (record_id, status, manager_name, modified_on)
			VALUES ($1,'running',$2,now())`, rid, managerName); err != nil {
			return nil, ferrors.Wrap(ferrors.DeveloperError, "claim history insert failed", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE managers SET claimed = claimed + $1 WHERE name = $2`, len(claimed), managerName); err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "claim counter update failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	return claimed, nil
}

// ReturnTask discards late returns for records no longer running (§5
// cancellation semantics, §8 scenario 5): a cancelled-or-otherwise-moved-on
// record silently keeps its current status, with a history note, instead
// of being overwritten by a manager result that arrived after the fact.
func (s *PGStore) ReturnTask(ctx context.Context, managerName string, result types.TaskResult, outputs types.HistoryOutputs) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin return tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	var currentStatus types.RecordStatus
	if err := tx.QueryRow(ctx, `SELECT manager_name, status FROM records WHERE id = $1 FOR UPDATE`, result.RecordID).Scan(&owner, &currentStatus); err != nil {
		return ferrors.NotFoundf("record %s not found", result.RecordID)
	}
	if owner != managerName {
		return ferrors.New(ferrors.Unauthorized, fmt.Sprintf("record %s is claimed by %q, not %q", result.RecordID, owner, managerName))
	}
	if currentStatus != types.StatusRunning {
		if _, err := tx.Exec(ctx, `
			INSERT INTO record_history (record_id, status, manager_name, modified_on, note)
			VALUES ($1,$2,$3,now(),'late return ignored')`, result.RecordID, currentStatus, managerName); err != nil {
			return ferrors.Wrap(ferrors.DeveloperError, "late return note insert failed", err)
		}
		return tx.Commit(ctx)
	}

	status := types.StatusComplete
	if !result.Success {
		status = types.StatusError
	}
	if _, err := tx.Exec(ctx, `UPDATE records SET status = $1, modified_on = now() WHERE id = $2`, status, result.RecordID); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "return status update failed", err)
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "marshal return outputs failed", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO record_history (record_id, status, manager_name, modified_on, outputs)
		VALUES ($1,$2,$3,now(),$4)`, result.RecordID, status, managerName, outputsJSON); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "return history insert failed", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE record_id = $1`, result.RecordID); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "return task cleanup failed", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE managers SET returned = returned + 1 WHERE name = $1`, managerName); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "return counter update failed", err)
	}

	return tx.Commit(ctx)
}

func (s *PGStore) RequeueOrphanedTasks(ctx context.Context, managerName string) (int, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE records SET status = 'waiting', manager_name = '', modified_on = now()
		WHERE manager_name = $1 AND status = 'running'`, managerName)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.DeveloperError, "requeue orphaned tasks failed", err)
	}
	return int(cmd.RowsAffected()), nil
}

// --- Services (C5) ---

func (s *PGStore) CreateService(ctx context.Context, svc *types.ServiceRow) error {
	if svc.Tag == "" {
		svc.Tag = types.TagAny
	}
	if svc.Priority == "" {
		svc.Priority = types.PriorityNormal
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (record_id, tag, priority, service_state)
		VALUES ($1,$2,$3,$4)`, svc.RecordID, svc.Tag, svc.Priority, svc.ServiceState)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "create service failed", err)
	}
	return nil
}

func (s *PGStore) ClaimServiceIteration(ctx context.Context, managerName string, tags []string, limit int) ([]*types.ServiceRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin service claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT s.record_id, s.tag, s.priority, s.service_state, s.created_on
		FROM services s
		JOIN records r ON r.id = s.record_id
		WHERE r.status IN ('waiting','running')
		  AND (s.tag = '*' OR s.tag = ANY($1))
		  AND NOT EXISTS (
		      SELECT 1 FROM service_dependencies sd
		      JOIN records cr ON cr.id = sd.child_record_id
		      WHERE sd.service_record_id = s.record_id
		        AND cr.status IN ('waiting','running')
		  )
		ORDER BY fleet_priority_rank(s.priority) DESC, s.created_on ASC
		FOR UPDATE OF s SKIP LOCKED
		LIMIT $2`, tags, limit)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "service claim scan failed", err)
	}

	var claimed []*types.ServiceRow
	var recordIDs []string
	for rows.Next() {
		var svc types.ServiceRow
		if err := rows.Scan(&svc.RecordID, &svc.Tag, &svc.Priority, &svc.ServiceState, &svc.CreatedOn); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, &svc)
		recordIDs = append(recordIDs, svc.RecordID)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE records SET
			status = CASE WHEN status = 'waiting' THEN 'running' ELSE status END,
			manager_name = $1, modified_on = now()
		WHERE id = ANY($2)`, managerName, recordIDs); err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "service claim status update failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit service claim tx: %w", err)
	}
	return claimed, nil
}

func (s *PGStore) GetServiceDependencies(ctx context.Context, recordID string) ([]types.DependencyLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT child_record_id, extras FROM service_dependencies WHERE service_record_id = $1`, recordID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "list service dependencies failed", err)
	}
	defer rows.Close()

	var deps []types.DependencyLink
	for rows.Next() {
		var dep types.DependencyLink
		var extras []byte
		if err := rows.Scan(&dep.ChildRecordID, &extras); err != nil {
			return nil, err
		}
		if len(extras) > 0 {
			_ = json.Unmarshal(extras, &dep.Extras)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// SaveServiceState persists the checkpoint and replaces the dependency set
// wholesale (delete then insert, in one transaction) rather than appending,
// matching the driver contract's "clears dependencies ... re-links them"
// (§4.5 step 5).
func (s *PGStore) SaveServiceState(ctx context.Context, recordID string, state []byte, newDependencies []types.DependencyLink) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save state tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `UPDATE services SET service_state = $1 WHERE record_id = $2`, state, recordID)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "save service state failed", err)
	}
	if cmd.RowsAffected() == 0 {
		return ferrors.NotFoundf("service %s not found", recordID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM service_dependencies WHERE service_record_id = $1`, recordID); err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "clear service dependencies failed", err)
	}

	for _, dep := range newDependencies {
		extras, _ := json.Marshal(dep.Extras)
		if _, err := tx.Exec(ctx, `
			INSERT INTO service_dependencies (service_record_id, child_record_id, extras)
			VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`, recordID, dep.ChildRecordID, extras); err != nil {
			return ferrors.Wrap(ferrors.DeveloperError, "link service dependency failed", err)
		}
	}

	return tx.Commit(ctx)
}

// --- Managers (C6) ---

func (s *PGStore) RegisterManager(ctx context.Context, mgr *types.Manager) error {
	tags, _ := json.Marshal(mgr.Tags)
	programs, _ := json.Marshal(mgr.Programs)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO managers (name, cluster, hostname, tags, programs, status, last_heartbeat)
		VALUES ($1,$2,$3,$4,$5,'active',now())
		ON CONFLICT (name) DO UPDATE SET
			cluster = excluded.cluster, hostname = excluded.hostname,
			tags = excluded.tags, programs = excluded.programs,
			status = 'active', last_heartbeat = now()`,
		mgr.Name, mgr.Cluster, mgr.Hostname, tags, programs)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "register manager failed", err)
	}
	return nil
}

func (s *PGStore) Heartbeat(ctx context.Context, managerName string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE managers SET last_heartbeat = now(), status = 'active' WHERE name = $1`, managerName)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "heartbeat failed", err)
	}
	if cmd.RowsAffected() == 0 {
		return ferrors.NotFoundf("manager %s not found", managerName)
	}
	return nil
}

func (s *PGStore) ListManagers(ctx context.Context, activeOnly bool) ([]*types.Manager, error) {
	query := `SELECT name, cluster, hostname, tags, programs, status, claimed, returned, last_heartbeat, created_on FROM managers`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	rows, err := s.rdb.QueryxContext(ctx, query)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "list managers failed", err)
	}
	defer rows.Close()

	var out []*types.Manager
	for rows.Next() {
		var mgr types.Manager
		var tags, programs []byte
		if err := rows.Scan(&mgr.Name, &mgr.Cluster, &mgr.Hostname, &tags, &programs,
			&mgr.Status, &mgr.Claimed, &mgr.Returned, &mgr.LastHeartbeat, &mgr.CreatedOn); err != nil {
			return nil, err
		}
		json.Unmarshal(tags, &mgr.Tags)
		json.Unmarshal(programs, &mgr.Programs)
		out = append(out, &mgr)
	}
	return out, nil
}

// SweepInactiveManagers marks managers whose heartbeat is older than
// maxMissed*period as inactive, then reclaims their in-flight records back
// to waiting, atomically (§4.6, original_source/'s periodic reaper).
func (s *PGStore) SweepInactiveManagers(ctx context.Context, maxMissed int, period time.Duration) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deadline := time.Duration(maxMissed) * period
	rows, err := tx.Query(ctx, `
		UPDATE managers SET status = 'inactive'
		WHERE status = 'active' AND last_heartbeat < now() - $1::interval
		RETURNING name`, fmt.Sprintf("%d seconds", int(deadline.Seconds())))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "sweep mark inactive failed", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, name)
	}
	rows.Close()

	if len(stale) == 0 {
		return nil, tx.Commit(ctx)
	}

	reclaimRows, err := tx.Query(ctx, `
		UPDATE records SET status = 'waiting', manager_name = '', modified_on = now()
		WHERE status = 'running' AND manager_name = ANY($1)
		RETURNING id`, stale)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "sweep reclaim failed", err)
	}
	var reclaimed []string
	for reclaimRows.Next() {
		var id string
		if err := reclaimRows.Scan(&id); err != nil {
			reclaimRows.Close()
			return nil, err
		}
		reclaimed = append(reclaimed, id)
	}
	reclaimRows.Close()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sweep tx: %w", err)
	}

	if len(reclaimed) > 0 {
		log.WithComponent("managers").Warn().
			Strs("managers", stale).
			Int("reclaimed", len(reclaimed)).
			Msg("reclaimed records after manager heartbeat loss")
	}
	return reclaimed, nil
}

// --- Outputs (C7) ---

func (s *PGStore) PutOutputBlob(ctx context.Context, blob *types.OutputBlob) error {
	if blob.ID == "" {
		blob.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO output_blobs (id, output_type, compressed) VALUES ($1,$2,$3)`,
		blob.ID, blob.OutputType, blob.Compressed)
	if err != nil {
		return ferrors.Wrap(ferrors.DeveloperError, "put output blob failed", err)
	}
	return nil
}

func (s *PGStore) GetOutputBlob(ctx context.Context, id string) (*types.OutputBlob, error) {
	var blob types.OutputBlob
	err := s.rdb.QueryRowxContext(ctx, `
		SELECT id, output_type, compressed, created_on FROM output_blobs WHERE id = $1`, id).
		Scan(&blob.ID, &blob.OutputType, &blob.Compressed, &blob.CreatedOn)
	if err != nil {
		return nil, ferrors.NotFoundf("output blob %s not found", id)
	}
	return &blob, nil
}

// ReplaceRecordOutputs deletes a record's existing output blobs and inserts
// the new ones in one transaction, reproducing the original implementation's
// replace-not-append semantics (SPEC_FULL.md §7) so a retried record's stale
// stdout/stderr never survives next to the new attempt's.
func (s *PGStore) ReplaceRecordOutputs(ctx context.Context, recordID string, outputs map[types.OutputType]*types.OutputBlob) (types.HistoryOutputs, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace outputs tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT outputs FROM record_history WHERE record_id = $1 ORDER BY id DESC LIMIT 1`, recordID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DeveloperError, "load prior outputs failed", err)
	}
	var priorRaw []byte
	if rows.Next() {
		rows.Scan(&priorRaw)
	}
	rows.Close()

	var prior types.HistoryOutputs
	json.Unmarshal(priorRaw, &prior)
	for _, oldID := range prior {
		if _, err := tx.Exec(ctx, `DELETE FROM output_blobs WHERE id = $1`, oldID); err != nil {
			return nil, ferrors.Wrap(ferrors.DeveloperError, "delete stale output blob failed", err)
		}
	}

	result := types.HistoryOutputs{}
	for ot, blob := range outputs {
		if blob.ID == "" {
			blob.ID = uuid.NewString()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO output_blobs (id, output_type, compressed) VALUES ($1,$2,$3)`,
			blob.ID, ot, blob.Compressed); err != nil {
			return nil, ferrors.Wrap(ferrors.DeveloperError, "insert output blob failed", err)
		}
		result[ot] = blob.ID
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace outputs tx: %w", err)
	}
	return result, nil
}
