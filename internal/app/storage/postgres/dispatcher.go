package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
	"github.com/qcfractal/fractal-core/internal/domain/record"
)

// Claim implements the dispatcher claim protocol (spec §4.3): for each tag in
// the manager's declared order, select up to the remaining limit of eligible
// waiting tasks with SELECT ... FOR UPDATE SKIP LOCKED, flip their records to
// running, and append a running ComputeHistory entry.
func (s *Store) Claim(ctx context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]storage.TaskSpec, error) {
	mgrStatus, err := s.lockAndTouchManager(ctx, managerName)
	if err != nil {
		return nil, err
	}
	if mgrStatus != manager.StatusActive {
		return nil, svcerrors.StateConflict("manager is inactive; re-activate before claiming")
	}

	var claimed []storage.TaskSpec
	remaining := limit
	availablePrograms := programNames(programs)

	for _, tag := range manager.NormalizeTags(tags) {
		if remaining <= 0 {
			break
		}
		batch, err := s.claimTagBatch(ctx, managerName, tag, availablePrograms, remaining)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, batch...)
		remaining -= len(batch)
	}

	if len(claimed) > 0 {
		if _, err := s.db.ExecContext(ctx, `UPDATE compute_managers SET claimed = claimed + $2 WHERE name = $1`, managerName, len(claimed)); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

func (s *Store) lockAndTouchManager(ctx context.Context, managerName string) (manager.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var status manager.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM compute_managers WHERE name = $1 FOR UPDATE`, managerName).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", svcerrors.NotFound("manager", managerName)
		}
		return "", err
	}
	if status == manager.StatusActive {
		if _, err := tx.ExecContext(ctx, `UPDATE compute_managers SET modified_on = now() WHERE name = $1`, managerName); err != nil {
			return "", err
		}
	}
	return status, tx.Commit()
}

// claimTagBatch claims up to `limit` waiting tasks matching one declared tag,
// honoring wildcard semantics and required_programs ⊆ available (spec §4.2).
// Filtering the required_programs subset condition happens in Go after a
// row-locked fetch of candidates, since jsonb-array-subset predicates are
// awkward to express as a single index-friendly WHERE clause; the claim
// ordering itself (priority desc, sort_date asc, id asc) is still enforced
// entirely in SQL via tasks_claim_order_idx.
func (s *Store) claimTagBatch(ctx context.Context, managerName, tag string, availablePrograms map[string]bool, limit int) ([]storage.TaskSpec, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT t.id, t.record_id, t.function, t.function_kwargs, t.required_programs
		FROM tasks t
		JOIN records r ON r.id = t.record_id
		WHERE r.status = 'waiting' AND ($1 = '*' OR t.tag = '*' OR t.tag = $1)
		ORDER BY (CASE t.priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END) DESC, t.sort_date ASC, t.id ASC
		LIMIT $2
		FOR UPDATE OF t SKIP LOCKED
	`
	// Overfetch beyond limit since required_programs ⊆ available filtering
	// happens in Go; a generous multiple keeps this a single round trip
	// without scanning the whole waiting set.
	overfetch := limit * 4
	if overfetch < 50 {
		overfetch = 50
	}
	rows, err := tx.QueryContext(ctx, query, tag, overfetch)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		spec     storage.TaskSpec
		required []string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var kwargsJSON, requiredJSON []byte
		if err := rows.Scan(&c.spec.ID, &c.spec.RecordID, &c.spec.Function, &kwargsJSON, &requiredJSON); err != nil {
			rows.Close()
			return nil, err
		}
		_ = json.Unmarshal(kwargsJSON, &c.spec.FunctionKwargs)
		_ = json.Unmarshal(requiredJSON, &c.required)
		c.spec.RequiredPrograms = c.required
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var claimed []storage.TaskSpec
	now := time.Now().UTC()
	for _, c := range candidates {
		if len(claimed) >= limit {
			break
		}
		if !programsSubset(c.required, availablePrograms) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET status = 'running', manager_name = $2, modified_on = $3 WHERE id = $1`, c.spec.RecordID, managerName, now); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compute_history (record_id, status, manager_name, created_on, modified_on)
			VALUES ($1,'running',$2,$3,$3)
		`, c.spec.RecordID, managerName, now); err != nil {
			return nil, err
		}
		claimed = append(claimed, c.spec)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func programNames(programs map[string]string) map[string]bool {
	out := make(map[string]bool, len(programs))
	for name := range programs {
		out[strings.ToLower(name)] = true
	}
	return out
}

func programsSubset(required []string, available map[string]bool) bool {
	for _, p := range required {
		if !available[strings.ToLower(p)] {
			return false
		}
	}
	return true
}

// Return implements the dispatcher return protocol (spec §4.4): each task id
// is processed in its own short transaction, so one bad task never poisons
// the batch.
func (s *Store) Return(ctx context.Context, managerName string, results map[int64]storage.ResultPayload) (storage.ReturnMetadata, error) {
	meta := storage.ReturnMetadata{}
	index := 0
	for taskID, payload := range results {
		reason, err := s.returnOne(ctx, managerName, taskID, payload)
		if err != nil {
			return meta, err
		}
		if reason == "" {
			meta.Accepted = append(meta.Accepted, taskID)
		} else {
			meta.Rejected = append(meta.Rejected, storage.Rejection{Index: index, TaskID: taskID, Reason: reason})
		}
		index++
	}
	return meta, nil
}

func (s *Store) returnOne(ctx context.Context, managerName string, taskID int64, payload storage.ResultPayload) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var recordID int64
	var curManagerName *string
	var status record.Status
	err = tx.QueryRowContext(ctx, `
		SELECT r.id, r.manager_name, r.status
		FROM tasks t JOIN records r ON r.id = t.record_id
		WHERE t.id = $1
		FOR UPDATE OF r
	`, taskID).Scan(&recordID, &curManagerName, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "not_found", tx.Commit()
	}
	if err != nil {
		return "", err
	}
	if curManagerName == nil || *curManagerName != managerName {
		return "wrong_manager", tx.Commit()
	}
	if status != record.StatusRunning {
		return "not_running", tx.Commit()
	}

	now := time.Now().UTC()
	if payload.Success {
		propertiesJSON, _ := json.Marshal(payload.Properties)
		provenanceJSON, _ := json.Marshal(payload.Provenance)
		if _, err := tx.ExecContext(ctx, `UPDATE records SET status = 'complete', properties = $2, modified_on = $3 WHERE id = $1`, recordID, propertiesJSON, now); err != nil {
			return "", err
		}
		var historyID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO compute_history (record_id, status, manager_name, provenance, created_on, modified_on)
			VALUES ($1,'complete',$2,$3,$4,$4) RETURNING id
		`, recordID, managerName, provenanceJSON, now).Scan(&historyID); err != nil {
			return "", err
		}
		if len(payload.Stdout) > 0 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO outputs (history_id, output_type, compression, data) VALUES ($1,'stdout','none',$2)`, historyID, payload.Stdout); err != nil {
				return "", err
			}
		}
		if len(payload.Stderr) > 0 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO outputs (history_id, output_type, compression, data) VALUES ($1,'stderr','none',$2)`, historyID, payload.Stderr); err != nil {
				return "", err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE compute_managers SET successes = successes + 1 WHERE name = $1`, managerName); err != nil {
			return "", err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE records SET status = 'error', modified_on = $2 WHERE id = $1`, recordID, now); err != nil {
			return "", err
		}
		var historyID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO compute_history (record_id, status, manager_name, created_on, modified_on)
			VALUES ($1,'error',$2,$3,$3) RETURNING id
		`, recordID, managerName, now).Scan(&historyID); err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outputs (history_id, output_type, compression, data) VALUES ($1,'error','none',$2)`, historyID, []byte(payload.ErrorMessage)); err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE compute_managers SET failures = failures + 1 WHERE name = $1`, managerName); err != nil {
			return "", err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM service_dependencies WHERE child_record_id = $1`, recordID); err != nil {
		return "", err
	}

	return "", tx.Commit()
}
