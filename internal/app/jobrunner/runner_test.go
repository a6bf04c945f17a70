package jobrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qcfractal/fractal-core/internal/domain/job"
)

// fakeJobStore is an in-memory stand-in for storage.JobStore, just enough to
// drive the runner's dispatch logic without a database.
type fakeJobStore struct {
	nextID int64
	rows   map[int64]job.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{rows: make(map[int64]job.Job)}
}

func (f *fakeJobStore) AddJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.UniqueName != "" {
		for _, existing := range f.rows {
			if existing.UniqueName == j.UniqueName && !existing.IsTerminal() {
				return existing, nil
			}
		}
	}
	f.nextID++
	j.ID = f.nextID
	j.Status = job.StatusWaiting
	j.LastUpdated = time.Now().UTC()
	f.rows[j.ID] = j
	return j, nil
}

func (f *fakeJobStore) ClaimJob(ctx context.Context, runnerHostname, runnerUUID string, now time.Time) (job.Job, bool, error) {
	for id, j := range f.rows {
		if j.Status != job.StatusWaiting {
			continue
		}
		j.Status = job.StatusRunning
		j.RunnerHostname = runnerHostname
		j.RunnerUUID = runnerUUID
		j.LastUpdated = now
		f.rows[id] = j
		return j, true, nil
	}
	return job.Job{}, false, nil
}

func (f *fakeJobStore) Finish(ctx context.Context, id int64, status job.Status, result map[string]any) error {
	j, ok := f.rows[id]
	if !ok {
		return errors.New("no such job")
	}
	j.Status = status
	j.Result = result
	ended := time.Now().UTC()
	j.EndedDate = &ended
	f.rows[id] = j

	if status == job.StatusComplete && j.AfterFunction != "" {
		f.nextID++
		follow := job.Job{
			ID:         f.nextID,
			Name:       j.Name,
			Function:   j.AfterFunction,
			Kwargs:     j.AfterFunctionKwargs,
			Status:     job.StatusWaiting,
			UniqueName: j.UniqueName,
		}
		f.rows[follow.ID] = follow
	}
	return nil
}

func (f *fakeJobStore) UpdateProgress(ctx context.Context, id int64, progress int) error {
	j, ok := f.rows[id]
	if !ok {
		return errors.New("no such job")
	}
	j.Progress = progress
	f.rows[id] = j
	return nil
}

func (f *fakeJobStore) ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	n := 0
	for id, j := range f.rows {
		if j.IsStale(now, staleAfter) {
			j.Status = job.StatusWaiting
			f.rows[id] = j
			n++
		}
	}
	return n, nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, id int64) (job.Job, error) {
	j, ok := f.rows[id]
	if !ok {
		return job.Job{}, errors.New("no such job")
	}
	return j, nil
}

func TestRunnerDrainDispatchesRegisteredFunction(t *testing.T) {
	store := newFakeJobStore()
	r := New(store, Config{Hostname: "host-1", InstanceUUID: "uuid-1"}, nil)

	var ran bool
	r.Register("widget_count", func(ctx context.Context, j job.Job) (map[string]any, error) {
		ran = true
		return map[string]any{"count": 3}, nil
	})

	if _, err := r.Add(context.Background(), job.Job{Name: "count widgets", Function: "widget_count"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.drain(context.Background())

	if !ran {
		t.Fatalf("expected registered function to run")
	}
	final := store.rows[1]
	if final.Status != job.StatusComplete {
		t.Fatalf("expected job to complete, got %s", final.Status)
	}
	if final.Result["count"] != 3 {
		t.Fatalf("expected result to be recorded, got %+v", final.Result)
	}
}

func TestRunnerUnregisteredFunctionRecordsError(t *testing.T) {
	store := newFakeJobStore()
	r := New(store, Config{Hostname: "host-1", InstanceUUID: "uuid-1"}, nil)

	if _, err := r.Add(context.Background(), job.Job{Name: "mystery", Function: "no_such_handler"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.drain(context.Background())

	if store.rows[1].Status != job.StatusError {
		t.Fatalf("expected unmatched function to error out, got %s", store.rows[1].Status)
	}
}

func TestRunnerScheduleAfterFunctionOnCompletion(t *testing.T) {
	store := newFakeJobStore()
	r := New(store, Config{Hostname: "host-1", InstanceUUID: "uuid-1"}, nil)

	calls := 0
	r.Register(job.NameHeartbeatCheck, func(ctx context.Context, j job.Job) (map[string]any, error) {
		calls++
		return map[string]any{"ok": true}, nil
	})

	if _, err := r.Add(context.Background(), job.Job{
		Name:          "heartbeat check",
		Function:      job.NameHeartbeatCheck,
		AfterFunction: job.NameHeartbeatCheck,
		UniqueName:    job.NameHeartbeatCheck,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.drain(context.Background())
	if calls != 1 {
		t.Fatalf("expected first run, got %d calls", calls)
	}

	r.drain(context.Background())
	if calls != 2 {
		t.Fatalf("expected after_function follow-up to run, got %d calls", calls)
	}
}

func TestRunnerStartStopIsIdempotent(t *testing.T) {
	store := newFakeJobStore()
	r := New(store, Config{
		Hostname:       "host-1",
		InstanceUUID:   "uuid-1",
		PollInterval:   10 * time.Millisecond,
		ReaperInterval: 10 * time.Millisecond,
	}, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}
