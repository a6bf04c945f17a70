package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/domain/record"
)

// ClaimRunnable locks and returns services whose ServiceDependencies set is
// empty and whose record status is running or waiting (spec §4.6 step 1).
func (s *Store) ClaimRunnable(ctx context.Context, limit int) ([]record.Service, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.record_id, s.tag, s.priority, s.find_existing, s.iteration, s.state
		FROM services s
		JOIN records r ON r.id = s.record_id
		WHERE r.status IN ('running', 'waiting')
		  AND NOT EXISTS (SELECT 1 FROM service_dependencies d WHERE d.service_id = s.record_id)
		ORDER BY s.record_id
		LIMIT $1
		FOR UPDATE OF s SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Service
	for rows.Next() {
		var svc record.Service
		var stateJSON []byte
		if err := rows.Scan(&svc.RecordID, &svc.Tag, &svc.Priority, &svc.FindExisting, &svc.Iteration, &stateJSON); err != nil {
			return nil, err
		}
		if len(stateJSON) > 0 {
			_ = json.Unmarshal(stateJSON, &svc.State)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Dependencies returns the current ServiceDependencies rows for one service.
func (s *Store) Dependencies(ctx context.Context, serviceID int64) ([]record.ServiceDependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, child_record_id, extras FROM service_dependencies WHERE service_id = $1
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record.ServiceDependency
	for rows.Next() {
		var d record.ServiceDependency
		var extrasJSON []byte
		if err := rows.Scan(&d.ServiceID, &d.ChildRecordID, &extrasJSON); err != nil {
			return nil, err
		}
		if len(extrasJSON) > 0 {
			_ = json.Unmarshal(extrasJSON, &d.Extras)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddDependencies inserts ServiceDependencies rows for child records that are
// not already complete (spec §4.6 step 2).
func (s *Store) AddDependencies(ctx context.Context, serviceID int64, deps []record.ServiceDependency) error {
	if len(deps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, dep := range deps {
		var childStatus record.Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = $1`, dep.ChildRecordID).Scan(&childStatus); err != nil {
			return err
		}
		if childStatus == record.StatusComplete {
			continue
		}
		extrasJSON, err := json.Marshal(dep.Extras)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_dependencies (service_id, child_record_id, extras)
			VALUES ($1,$2,$3)
			ON CONFLICT (service_id, child_record_id) DO NOTHING
		`, serviceID, dep.ChildRecordID, extrasJSON); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveDependency deletes one dependency row, making the parent eligible
// for its next iteration once its whole set empties (spec §4.6 step 3).
func (s *Store) RemoveDependency(ctx context.Context, serviceID, childRecordID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM service_dependencies WHERE service_id = $1 AND child_record_id = $2
	`, serviceID, childRecordID)
	return err
}

// UpdateState persists the service's opaque state and iteration counter
// between engine invocations.
func (s *Store) UpdateState(ctx context.Context, serviceID int64, iteration int, state map[string]any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE services SET iteration = $2, state = $3 WHERE record_id = $1
	`, serviceID, iteration, stateJSON)
	return err
}

// CompleteService transitions a finished service and its record to complete,
// writes terminal history, and deletes the service row (spec §4.6 step 2,
// "finished" branch).
func (s *Store) CompleteService(ctx context.Context, recordID int64, properties map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current record.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = $1 FOR UPDATE`, recordID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return svcerrors.NotFound("record", "service")
		}
		return err
	}

	propertiesJSON, err := json.Marshal(properties)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE records SET status = 'complete', properties = $2, modified_on = now() WHERE id = $1`, recordID, propertiesJSON); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO compute_history (record_id, status, created_on, modified_on) VALUES ($1,'complete',now(),now())
	`, recordID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE record_id = $1`, recordID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM service_dependencies WHERE service_id = $1`, recordID); err != nil {
		return err
	}
	return tx.Commit()
}

// DependentServiceCount counts distinct services still depending on
// childRecordID, so cascade delete can tell whether a child is safe to
// remove or is shared with a sibling service.
func (s *Store) DependentServiceCount(ctx context.Context, childRecordID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT service_id) FROM service_dependencies WHERE child_record_id = $1
	`, childRecordID).Scan(&count)
	return count, err
}
