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
	"github.com/qcfractal/fractal-core/internal/domain/manager"
)

// Activate inserts a new active manager row (spec §4.5). tags/programs are
// normalized to lowercase before insertion; re-using a name fails with a
// duplicate-name error via the unique index on compute_managers.name.
func (s *Store) Activate(ctx context.Context, m manager.Manager) (manager.Manager, error) {
	tags := manager.NormalizeTags(m.Tags)
	programs := manager.NormalizePrograms(m.Programs)
	if len(tags) == 0 || len(programs) == 0 {
		return manager.Manager{}, svcerrors.Validation("tags/programs", "tags and programs must be non-empty after normalization")
	}

	tagsJSON, _ := json.Marshal(tags)
	programsJSON, _ := json.Marshal(programs)
	now := time.Now().UTC()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO compute_managers (name, cluster, hostname, username, tags, programs, status, created_on, modified_on)
		VALUES ($1,$2,$3,$4,$5,$6,'active',$7,$7)
		RETURNING id
	`, m.Name, m.Cluster, m.Hostname, m.Username, tagsJSON, programsJSON, now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return manager.Manager{}, svcerrors.StateConflict(fmt.Sprintf("manager name %q already registered", m.Name))
		}
		return manager.Manager{}, err
	}

	m.ID = id
	m.Tags = tags
	m.Programs = programs
	m.Status = manager.StatusActive
	m.CreatedOn = now
	m.ModifiedOn = now
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Update is the heartbeat + snapshot operation: lock the row, refuse if
// inactive, write the new counters/gauges, and append an append-only
// ManagerLog row in the same transaction (spec §4.5, invariant 7).
func (s *Store) Update(ctx context.Context, name string, status *manager.Status, counters manager.Counters, gauges manager.Gauges) (manager.Manager, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return manager.Manager{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current manager.Status
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id, status FROM compute_managers WHERE name = $1 FOR UPDATE`, name).Scan(&id, &current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return manager.Manager{}, svcerrors.NotFound("manager", name)
		}
		return manager.Manager{}, err
	}
	if current != manager.StatusActive {
		return manager.Manager{}, svcerrors.StateConflict(fmt.Sprintf("manager %q is inactive; re-activate before updating", name))
	}

	newStatus := current
	if status != nil {
		newStatus = *status
	}
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE compute_managers SET
			status = $2, claimed = $3, successes = $4, failures = $5, rejected = $6,
			active_tasks = $7, active_cores = $8, active_memory = $9,
			total_worker_walltime = $10, total_task_walltime = $11, modified_on = $12
		WHERE id = $1
	`, id, newStatus, counters.Claimed, counters.Successes, counters.Failures, counters.Rejected,
		gauges.ActiveTasks, gauges.ActiveCores, gauges.ActiveMemory,
		gauges.TotalWorkerWalltime, gauges.TotalTaskWalltime, now); err != nil {
		return manager.Manager{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO manager_logs
			(manager_id, claimed, successes, failures, rejected, active_tasks, active_cores, active_memory, total_worker_walltime, total_task_walltime, logged_on)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, id, counters.Claimed, counters.Successes, counters.Failures, counters.Rejected,
		gauges.ActiveTasks, gauges.ActiveCores, gauges.ActiveMemory,
		gauges.TotalWorkerWalltime, gauges.TotalTaskWalltime, now); err != nil {
		return manager.Manager{}, err
	}

	if err := tx.Commit(); err != nil {
		return manager.Manager{}, err
	}
	return s.GetManager(ctx, name)
}

// Deactivate marks matching managers inactive and recycles every running
// record they held back to waiting, recreating the task row and clearing the
// manager link, preserving an audit trail via a synthetic error history entry
// (spec §4.5).
func (s *Store) Deactivate(ctx context.Context, names []string, modifiedBefore *time.Time, reason string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var affected []string
	var rows *sql.Rows
	if len(names) > 0 {
		rows, err = tx.QueryContext(ctx, `
			UPDATE compute_managers SET status = 'inactive', modified_on = now()
			WHERE name = ANY($1) AND status = 'active'
			RETURNING name
		`, pq.Array(names))
	} else {
		before := time.Now().UTC()
		if modifiedBefore != nil {
			before = *modifiedBefore
		}
		rows, err = tx.QueryContext(ctx, `
			UPDATE compute_managers SET status = 'inactive', modified_on = now()
			WHERE modified_on < $1 AND status = 'active'
			RETURNING name
		`, before)
	}
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		affected = append(affected, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, name := range affected {
		if err := s.recycleManagerRecords(ctx, tx, name, reason); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return affected, nil
}

func (s *Store) recycleManagerRecords(ctx context.Context, tx *sql.Tx, managerName, reason string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM records WHERE manager_name = $1 AND status = 'running' FOR UPDATE
	`, managerName)
	if err != nil {
		return err
	}
	var recordIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		recordIDs = append(recordIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	now := time.Now().UTC()
	for _, id := range recordIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET status = 'waiting', manager_name = NULL, modified_on = $2 WHERE id = $1
		`, id, now); err != nil {
			return err
		}
		if res, err := tx.ExecContext(ctx, `UPDATE tasks SET sort_date = $2 WHERE record_id = $1`, id, now); err != nil {
			return err
		} else if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (record_id, required_programs, tag, priority, function, function_kwargs, created_on, sort_date)
				VALUES ($1,'[]'::jsonb,'*','normal','','{}'::jsonb,$2,$2)
			`, id, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compute_history (record_id, status, manager_name, provenance, created_on, modified_on)
			VALUES ($1,'error',$2,$3,$4,$4)
		`, id, managerName, mustMarshal(map[string]any{"error": reason}), now); err != nil {
			return err
		}
	}
	return nil
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// Query runs a filtered, descending-id-paginated search over the manager
// registry (spec §4.5).
func (s *Store) Query(ctx context.Context, q storage.ManagerQuery) ([]manager.Manager, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var args []any
	clauses := []string{"1=1"}
	if q.Status != nil {
		args = append(args, *q.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Cluster != "" {
		args = append(args, q.Cluster)
		clauses = append(clauses, fmt.Sprintf("cluster = $%d", len(args)))
	}
	if q.BeforeID > 0 {
		args = append(args, q.BeforeID)
		clauses = append(clauses, fmt.Sprintf("id < $%d", len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id, name, cluster, hostname, username, tags, programs, status,
		       claimed, successes, failures, rejected,
		       active_tasks, active_cores, active_memory, total_worker_walltime, total_task_walltime,
		       created_on, modified_on
		FROM compute_managers
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d
	`, strings.Join(clauses, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManagers(rows)
}

// GetManager returns a single manager by name.
func (s *Store) GetManager(ctx context.Context, name string) (manager.Manager, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cluster, hostname, username, tags, programs, status,
		       claimed, successes, failures, rejected,
		       active_tasks, active_cores, active_memory, total_worker_walltime, total_task_walltime,
		       created_on, modified_on
		FROM compute_managers WHERE name = $1
	`, name)
	if err != nil {
		return manager.Manager{}, err
	}
	defer rows.Close()
	ms, err := scanManagers(rows)
	if err != nil {
		return manager.Manager{}, err
	}
	if len(ms) == 0 {
		return manager.Manager{}, svcerrors.NotFound("manager", name)
	}
	return ms[0], nil
}

// ListExpired returns every active manager that has missed more than
// maxMissed heartbeats (spec §4.5 heartbeat policy), for the reaper job.
func (s *Store) ListExpired(ctx context.Context, now time.Time, frequency time.Duration, maxMissed int) ([]manager.Manager, error) {
	threshold := now.Add(-time.Duration(maxMissed) * frequency)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cluster, hostname, username, tags, programs, status,
		       claimed, successes, failures, rejected,
		       active_tasks, active_cores, active_memory, total_worker_walltime, total_task_walltime,
		       created_on, modified_on
		FROM compute_managers WHERE status = 'active' AND modified_on < $1
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManagers(rows)
}

func scanManagers(rows *sql.Rows) ([]manager.Manager, error) {
	var out []manager.Manager
	for rows.Next() {
		var m manager.Manager
		var tagsJSON, programsJSON []byte
		if err := rows.Scan(&m.ID, &m.Name, &m.Cluster, &m.Hostname, &m.Username, &tagsJSON, &programsJSON, &m.Status,
			&m.Counters.Claimed, &m.Counters.Successes, &m.Counters.Failures, &m.Counters.Rejected,
			&m.Gauges.ActiveTasks, &m.Gauges.ActiveCores, &m.Gauges.ActiveMemory, &m.Gauges.TotalWorkerWalltime, &m.Gauges.TotalTaskWalltime,
			&m.CreatedOn, &m.ModifiedOn); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(tagsJSON, &m.Tags)
		_ = json.Unmarshal(programsJSON, &m.Programs)
		out = append(out, m)
	}
	return out, rows.Err()
}
