package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/record"
	"github.com/qcfractal/fractal-core/internal/domain/spec"
)

// Add inserts records in bulk, deduplicating atomic records against existing
// non-deleted/invalid rows sharing (record_type, specification_id,
// input_identity) (spec §4.1, §4.8). Each item is handled in its own short
// transaction so one bad item does not poison the batch.
func (s *Store) Add(ctx context.Context, items []storage.NewRecord) ([]storage.AddResult, error) {
	results := make([]storage.AddResult, len(items))
	for i, item := range items {
		id, disposition, err := s.addOne(ctx, item)
		if err != nil {
			results[i] = storage.AddResult{Disposition: storage.DispositionError, Error: err.Error()}
			continue
		}
		results[i] = storage.AddResult{ID: id, Disposition: disposition}
	}
	return results, nil
}

func (s *Store) addOne(ctx context.Context, item storage.NewRecord) (int64, storage.AddDisposition, error) {
	specID, err := s.UpsertSpecification(ctx, item.Specification)
	if err != nil {
		return 0, "", err
	}

	moleculeIDs := append([]int64(nil), item.MoleculeIDs...)
	for _, mol := range item.Molecules {
		molID, err := s.UpsertMolecule(ctx, mol)
		if err != nil {
			return 0, "", err
		}
		moleculeIDs = append(moleculeIDs, molID)
	}

	inputIdentity, err := spec.InputIdentity(moleculeIDs, item.ExtraKeywords)
	if err != nil {
		return 0, "", err
	}

	if item.FindExistingSvc || !item.IsService {
		if existingID, ok, err := s.findExisting(ctx, item.RecordType, specID, inputIdentity); err != nil {
			return 0, "", err
		} else if ok {
			return existingID, storage.DispositionExisting, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = tx.Rollback() }()

	moleculeIDsJSON, err := json.Marshal(moleculeIDs)
	if err != nil {
		return 0, "", err
	}
	extrasJSON, err := json.Marshal(item.Extras)
	if err != nil {
		return 0, "", err
	}

	var recordID int64
	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO records
			(record_type, status, owner_user, owner_group, specification_id, molecule_ids, input_identity, extras, created_on, modified_on)
		VALUES ($1,'waiting',$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING id
	`, item.RecordType, item.OwnerUser, item.OwnerGroup, specID, moleculeIDsJSON, inputIdentity, extrasJSON, now).Scan(&recordID)
	if err != nil {
		return 0, "", err
	}

	if !item.IsService {
		requiredJSON, err := json.Marshal(normalizePrograms(item.RequiredPrograms))
		if err != nil {
			return 0, "", err
		}
		kwargsJSON, err := json.Marshal(item.FunctionKwargs)
		if err != nil {
			return 0, "", err
		}
		priority := item.Priority
		if priority == "" {
			priority = record.PriorityNormal
		}
		tag := item.Tag
		if tag == "" {
			tag = "*"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (record_id, required_programs, tag, priority, function, function_kwargs, created_on, sort_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		`, recordID, requiredJSON, strings.ToLower(tag), priority, item.Function, kwargsJSON, now); err != nil {
			return 0, "", err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO services (record_id, tag, priority, find_existing, iteration, state)
			VALUES ($1,$2,$3,$4,0,'{}'::jsonb)
		`, recordID, strings.ToLower(item.Tag), item.Priority, item.FindExistingSvc); err != nil {
			return 0, "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, "", err
	}
	return recordID, storage.DispositionInserted, nil
}

func (s *Store) findExisting(ctx context.Context, recordType string, specID int64, inputIdentity string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM records
		WHERE record_type = $1 AND specification_id = $2 AND input_identity = $3
		  AND status NOT IN ('deleted', 'invalid')
	`, recordType, specID, inputIdentity).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Get is a projection-aware fetch: Task/ComputeHistory/Outputs are hydrated
// only when requested (spec §4.1).
func (s *Store) Get(ctx context.Context, ids []int64, include storage.GetIncludes, missingOK bool) ([]record.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_type, status, owner_user, owner_group, manager_name, specification_id, molecule_ids, input_identity, extras, properties, created_on, modified_on
		FROM records
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*record.Record, len(ids))
	var order []int64
	for rows.Next() {
		var rec record.Record
		var moleculeIDsJSON, extrasJSON []byte
		var propertiesJSON []byte
		if err := rows.Scan(&rec.ID, &rec.RecordType, &rec.Status, &rec.OwnerUser, &rec.OwnerGroup, &rec.ManagerName, &rec.SpecificationID, &moleculeIDsJSON, &rec.InputIdentity, &extrasJSON, &propertiesJSON, &rec.CreatedOn, &rec.ModifiedOn); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(moleculeIDsJSON, &rec.MoleculeIDs)
		_ = json.Unmarshal(extrasJSON, &rec.Extras)
		if len(propertiesJSON) > 0 {
			_ = json.Unmarshal(propertiesJSON, &rec.Properties)
		}
		byID[rec.ID] = &rec
		order = append(order, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !missingOK && len(byID) != len(ids) {
		return nil, svcerrors.NotFound("record", fmt.Sprintf("%v", ids))
	}

	if include.Task {
		if err := s.hydrateTasks(ctx, byID); err != nil {
			return nil, err
		}
	}
	if include.ComputeHistory {
		if err := s.hydrateHistory(ctx, byID, include.Outputs); err != nil {
			return nil, err
		}
	}

	out := make([]record.Record, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s *Store) hydrateTasks(ctx context.Context, byID map[int64]*record.Record) error {
	ids := idsOf(byID)
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, required_programs, tag, priority, function, function_kwargs, created_on, sort_date
		FROM tasks WHERE record_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t record.Task
		var requiredJSON, kwargsJSON []byte
		if err := rows.Scan(&t.ID, &t.RecordID, &requiredJSON, &t.Tag, &t.Priority, &t.Function, &kwargsJSON, &t.CreatedOn, &t.SortDate); err != nil {
			return err
		}
		_ = json.Unmarshal(requiredJSON, &t.RequiredPrograms)
		_ = json.Unmarshal(kwargsJSON, &t.FunctionKwargs)
		if rec, ok := byID[t.RecordID]; ok {
			task := t
			rec.Task = &task
		}
	}
	return rows.Err()
}

func (s *Store) hydrateHistory(ctx context.Context, byID map[int64]*record.Record, withOutputs bool) error {
	ids := idsOf(byID)
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, status, manager_name, provenance, created_on, modified_on
		FROM compute_history WHERE record_id = ANY($1) ORDER BY created_on ASC
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	var historyIDs []int64
	historyByID := make(map[int64]*record.ComputeHistoryEntry)
	for rows.Next() {
		var h record.ComputeHistoryEntry
		var provenanceJSON []byte
		if err := rows.Scan(&h.ID, &h.RecordID, &h.Status, &h.ManagerName, &provenanceJSON, &h.CreatedOn, &h.ModifiedOn); err != nil {
			return err
		}
		if len(provenanceJSON) > 0 {
			_ = json.Unmarshal(provenanceJSON, &h.Provenance)
		}
		if rec, ok := byID[h.RecordID]; ok {
			rec.ComputeHistory = append(rec.ComputeHistory, h)
			entry := &rec.ComputeHistory[len(rec.ComputeHistory)-1]
			historyByID[h.ID] = entry
			historyIDs = append(historyIDs, h.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !withOutputs || len(historyIDs) == 0 {
		return nil
	}
	outRows, err := s.db.QueryContext(ctx, `
		SELECT history_id, output_type, compression, data FROM outputs WHERE history_id = ANY($1)
	`, pq.Array(historyIDs))
	if err != nil {
		return err
	}
	defer outRows.Close()
	for outRows.Next() {
		var o record.Output
		if err := outRows.Scan(&o.HistoryID, &o.Kind, &o.Compression, &o.Data); err != nil {
			return err
		}
		if entry, ok := historyByID[o.HistoryID]; ok {
			entry.Outputs = append(entry.Outputs, o)
		}
	}
	return outRows.Err()
}

// normalizePrograms lowercases and deduplicates a required-programs list
// (spec §4.2: required_programs is a set of lowercased names).
func normalizePrograms(programs []string) []string {
	seen := make(map[string]bool, len(programs))
	out := make([]string, 0, len(programs))
	for _, p := range programs {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func idsOf(byID map[int64]*record.Record) []int64 {
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	return ids
}

// Modify applies a status/tag/priority patch, enforcing the status DAG and
// the waiting-only rule for tag/priority changes (spec §4.1).
func (s *Store) Modify(ctx context.Context, ids []int64, patch storage.ModifyPatch) error {
	for _, id := range ids {
		if err := s.modifyOne(ctx, id, patch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) modifyOne(ctx context.Context, id int64, patch storage.ModifyPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current record.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return svcerrors.NotFound("record", fmt.Sprintf("%d", id))
		}
		return err
	}

	if patch.Status != nil && *patch.Status != current {
		if !record.CanTransition(current, *patch.Status) {
			return svcerrors.StateConflict(fmt.Sprintf("record %d cannot transition %s -> %s", id, current, *patch.Status))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET status = $1, modified_on = now() WHERE id = $2`, *patch.Status, id); err != nil {
			return err
		}
	}

	if patch.Tag != nil || patch.Priority != nil || patch.DeleteTag {
		if current != record.StatusWaiting {
			return svcerrors.StateConflict(fmt.Sprintf("record %d: tag/priority only mutable while waiting", id))
		}
		if patch.DeleteTag {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET tag = '*' WHERE record_id = $1`, id); err != nil {
				return err
			}
		} else if patch.Tag != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET tag = $1 WHERE record_id = $2`, strings.ToLower(*patch.Tag), id); err != nil {
				return err
			}
		}
		if patch.Priority != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET priority = $1 WHERE record_id = $2`, *patch.Priority, id); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Reset moves an error record back to waiting and bumps its task's sort_date
// so retried tasks do not leapfrog fresh ones at the same priority (spec
// §4.1, §4.2).
func (s *Store) Reset(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if err := s.resetOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) resetOne(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current record.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return svcerrors.NotFound("record", fmt.Sprintf("%d", id))
		}
		return err
	}
	if current != record.StatusError {
		return svcerrors.StateConflict(fmt.Sprintf("record %d: reset only valid from error, got %s", id, current))
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE records SET status = 'waiting', manager_name = NULL, modified_on = $2 WHERE id = $1`, id, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET sort_date = $2 WHERE record_id = $1`, id, now); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel moves any non-terminal record to cancelled and removes its task row.
func (s *Store) Cancel(ctx context.Context, ids []int64) error {
	return s.transitionAndDropTask(ctx, ids, record.StatusCancelled, func(cur record.Status) bool {
		return cur == record.StatusWaiting || cur == record.StatusRunning || cur == record.StatusError
	})
}

// Invalidate marks ids invalid: a terminal mark for irrecoverable records. It
// keeps history but removes the task row.
func (s *Store) Invalidate(ctx context.Context, ids []int64) error {
	return s.transitionAndDropTask(ctx, ids, record.StatusInvalid, func(cur record.Status) bool {
		return cur != record.StatusComplete && cur != record.StatusDeleted && cur != record.StatusInvalid
	})
}

func (s *Store) transitionAndDropTask(ctx context.Context, ids []int64, target record.Status, allowed func(record.Status) bool) error {
	for _, id := range ids {
		if err := func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()

			var current record.Status
			if err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return svcerrors.NotFound("record", fmt.Sprintf("%d", id))
				}
				return err
			}
			if !allowed(current) {
				return svcerrors.StateConflict(fmt.Sprintf("record %d: cannot move %s -> %s", id, current, target))
			}
			if _, err := tx.ExecContext(ctx, `UPDATE records SET status = $1, modified_on = now() WHERE id = $2`, target, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE record_id = $1`, id); err != nil {
				return err
			}
			return tx.Commit()
		}(); err != nil {
			return err
		}
	}
	return nil
}

// SoftDelete sets status = deleted without removing rows.
func (s *Store) SoftDelete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE records SET status = 'deleted', modified_on = now() WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// HardDelete removes record rows outright; ON DELETE CASCADE on
// tasks/compute_history/service_dependencies takes care of the children.
func (s *Store) HardDelete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// AppendOutput writes a compressed output blob for one (history_id, kind)
// pair, upserting in case a manager retries the same report.
func (s *Store) AppendOutput(ctx context.Context, historyID int64, kind record.OutputKind, data []byte, compression string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outputs (history_id, output_type, compression, data)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (history_id, output_type) DO UPDATE SET compression = EXCLUDED.compression, data = EXCLUDED.data
	`, historyID, kind, compression, data)
	return err
}

// ShortDescription returns a one-line human-readable description built from
// the record's specification (spec §4.1).
func (s *Store) ShortDescription(ctx context.Context, id int64) (string, error) {
	var recordType, program, method, basis string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.record_type, sp.program, sp.method, sp.basis
		FROM records r JOIN specifications sp ON sp.id = r.specification_id
		WHERE r.id = $1
	`, id).Scan(&recordType, &program, &method, &basis)
	if errors.Is(err, sql.ErrNoRows) {
		return "", svcerrors.NotFound("record", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return "", err
	}
	return record.ShortDescription(recordType, program, method, basis), nil
}
