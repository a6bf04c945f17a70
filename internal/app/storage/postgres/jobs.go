package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/qcfractal/fractal-core/internal/domain/job"
)

// AddJob inserts a job row. If UniqueName is set and a non-terminal row with
// that name already exists, the insert is a no-op and the existing row is
// returned instead (spec §4.7).
func (s *Store) AddJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ScheduledDate.IsZero() {
		j.ScheduledDate = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = job.StatusWaiting
	}
	now := time.Now().UTC()

	if j.UniqueName != "" {
		var existingID int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM internal_jobs WHERE unique_name = $1 AND status IN ('waiting','running')
		`, j.UniqueName).Scan(&existingID)
		if err == nil {
			return s.GetJob(ctx, existingID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, err
		}
	}

	kwargsJSON, err := json.Marshal(j.Kwargs)
	if err != nil {
		return job.Job{}, err
	}
	afterKwargsJSON, err := json.Marshal(j.AfterFunctionKwargs)
	if err != nil {
		return job.Job{}, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO internal_jobs
			(name, function, kwargs, status, scheduled_date, last_updated, after_function, after_function_kwargs, unique_name, serial_group)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (unique_name) WHERE unique_name IS NOT NULL AND status IN ('waiting','running') DO NOTHING
		RETURNING id
	`, j.Name, j.Function, kwargsJSON, j.Status, j.ScheduledDate, now, nullIfEmpty(j.AfterFunction), afterKwargsJSON, nullIfEmpty(j.UniqueName), nullIfEmpty(j.SerialGroup)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race against a concurrent insert under the same unique_name.
		var existingID int64
		if scanErr := s.db.QueryRowContext(ctx, `
			SELECT id FROM internal_jobs WHERE unique_name = $1 AND status IN ('waiting','running')
		`, j.UniqueName).Scan(&existingID); scanErr != nil {
			return job.Job{}, scanErr
		}
		return s.GetJob(ctx, existingID)
	}
	if err != nil {
		return job.Job{}, err
	}
	j.ID = id
	j.LastUpdated = now
	return j, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ClaimJob selects the earliest-scheduled eligible waiting row FOR UPDATE SKIP
// LOCKED, marks it running, and stamps the claiming runner (spec §4.7). A
// row whose serial_group already has a running member is left unchanged by
// the claiming UPDATE's NOT EXISTS guard (zero rows affected); it is
// remembered as busy and excluded from the next
// candidate selection so the loop always makes progress.
func (s *Store) ClaimJob(ctx context.Context, runnerHostname, runnerUUID string, now time.Time) (job.Job, bool, error) {
	var busyIDs []int64
	for {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return job.Job{}, false, err
		}

		var id int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM internal_jobs
			WHERE status = 'waiting' AND scheduled_date <= $1 AND NOT (id = ANY($2))
			ORDER BY scheduled_date ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, now, pq.Array(busyIDs)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			return job.Job{}, false, nil
		}
		if err != nil {
			_ = tx.Rollback()
			return job.Job{}, false, err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE internal_jobs j SET status = 'running', started_date = $2, last_updated = $2,
				runner_hostname = $3, runner_uuid = $4
			WHERE j.id = $1
			  AND NOT EXISTS (
			      SELECT 1 FROM internal_jobs o
			      WHERE o.serial_group = j.serial_group AND o.serial_group IS NOT NULL
			        AND o.status = 'running' AND o.id != j.id
			  )
		`, id, now, runnerHostname, runnerUUID)
		if err != nil {
			_ = tx.Rollback()
			return job.Job{}, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return job.Job{}, false, err
		}
		if n == 0 {
			// Another running row holds this job's serial_group; remember it
			// as busy and retry against the next candidate row.
			_ = tx.Rollback()
			busyIDs = append(busyIDs, id)
			continue
		}
		if err := tx.Commit(); err != nil {
			return job.Job{}, false, err
		}
		claimed, err := s.GetJob(ctx, id)
		return claimed, true, err
	}
}

// Finish writes terminal status and result, enqueuing the configured
// after_function as a follow-up job if set (spec §4.7).
func (s *Store) Finish(ctx context.Context, id int64, status job.Status, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var afterFunction sql.NullString
	var afterKwargsJSON []byte
	if err := tx.QueryRowContext(ctx, `
		SELECT after_function, after_function_kwargs FROM internal_jobs WHERE id = $1 FOR UPDATE
	`, id).Scan(&afterFunction, &afterKwargsJSON); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE internal_jobs SET status = $2, result = $3, ended_date = $4, last_updated = $4 WHERE id = $1
	`, id, status, resultJSON, now); err != nil {
		return err
	}

	if afterFunction.Valid && afterFunction.String != "" {
		var afterKwargs map[string]any
		_ = json.Unmarshal(afterKwargsJSON, &afterKwargs)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO internal_jobs (name, function, kwargs, status, scheduled_date, last_updated)
			VALUES ($1,$1,$2,'waiting',$3,$3)
		`, afterFunction.String, mustMarshal(afterKwargs), now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateProgress writes a job's progress integer and bumps last_updated so
// the reaper does not mistake live work for a stalled job.
func (s *Store) UpdateProgress(ctx context.Context, id int64, progress int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE internal_jobs SET progress = $2, last_updated = now() WHERE id = $1 AND status = 'running'
	`, id, progress)
	return err
}

// ReapStale recycles running jobs whose last_updated predates the staleness
// threshold back to waiting, returning the count recycled.
func (s *Store) ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	threshold := now.Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, `
		UPDATE internal_jobs
		SET status = 'waiting', runner_hostname = NULL, runner_uuid = NULL, started_date = NULL, last_updated = $2
		WHERE status = 'running' AND last_updated < $1
	`, threshold, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetJob fetches one internal job row by id.
func (s *Store) GetJob(ctx context.Context, id int64) (job.Job, error) {
	var j job.Job
	var kwargsJSON, resultJSON, afterKwargsJSON []byte
	var runnerHostname, runnerUUID, afterFunction, uniqueName, serialGroup sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, function, kwargs, status, scheduled_date, started_date, last_updated, ended_date,
		       runner_hostname, runner_uuid, progress, result, after_function, after_function_kwargs, unique_name, serial_group
		FROM internal_jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.Name, &j.Function, &kwargsJSON, &j.Status, &j.ScheduledDate, &j.StartedDate, &j.LastUpdated, &j.EndedDate,
		&runnerHostname, &runnerUUID, &j.Progress, &resultJSON, &afterFunction, &afterKwargsJSON, &uniqueName, &serialGroup)
	if err != nil {
		return job.Job{}, err
	}
	_ = json.Unmarshal(kwargsJSON, &j.Kwargs)
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &j.Result)
	}
	if len(afterKwargsJSON) > 0 {
		_ = json.Unmarshal(afterKwargsJSON, &j.AfterFunctionKwargs)
	}
	j.RunnerHostname = runnerHostname.String
	j.RunnerUUID = runnerUUID.String
	j.AfterFunction = afterFunction.String
	j.UniqueName = uniqueName.String
	j.SerialGroup = serialGroup.String
	return j, nil
}
