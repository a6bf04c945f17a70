package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/job"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
	"github.com/qcfractal/fractal-core/internal/domain/record"
	"github.com/qcfractal/fractal-core/internal/domain/spec"
	"github.com/qcfractal/fractal-core/internal/platform/migrations"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	resetTables(t, db)
	return New(db), ctx
}

func resetTables(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`
		TRUNCATE
			internal_error_log,
			internal_jobs,
			manager_logs,
			compute_managers,
			service_dependencies,
			services,
			outputs,
			compute_history,
			tasks,
			records,
			specifications,
			molecules
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("reset tables: %v", err)
	}
}

func sampleSpecification() spec.Specification {
	return spec.Specification{RecordType: "singlepoint", Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "def2-svp"}
}

func sampleMolecule() spec.Molecule {
	return spec.Molecule{
		Symbols:               []string{"H", "H"},
		Geometry:              []float64{0, 0, 0, 0, 0, 0.74},
		MolecularMultiplicity: 1,
	}
}

func TestAddClaimReturnLifecycle(t *testing.T) {
	s, ctx := newTestStore(t)

	results, err := s.Add(ctx, []storage.NewRecord{{
		RecordType:       "singlepoint",
		Specification:    sampleSpecification(),
		Molecules:        []spec.Molecule{sampleMolecule()},
		Tag:              "gpu",
		Priority:         record.PriorityNormal,
		RequiredPrograms: []string{"psi4"},
		Function:         "run_singlepoint",
	}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(results) != 1 || results[0].Disposition != storage.DispositionInserted {
		t.Fatalf("expected one inserted record, got %+v", results)
	}
	recordID := results[0].ID

	// Re-adding the identical record with find-existing should resolve to
	// the same id instead of inserting a duplicate.
	again, err := s.Add(ctx, []storage.NewRecord{{
		RecordType:       "singlepoint",
		Specification:    sampleSpecification(),
		Molecules:        []spec.Molecule{sampleMolecule()},
		Tag:              "gpu",
		RequiredPrograms: []string{"psi4"},
		Function:         "run_singlepoint",
		FindExistingSvc:  true,
	}})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if again[0].Disposition != storage.DispositionExisting || again[0].ID != recordID {
		t.Fatalf("expected dedup hit on re-add, got %+v", again[0])
	}

	if _, err := s.Activate(ctx, manager.Manager{Name: "cluster1-nodeA-abc123", Cluster: "cluster1", Hostname: "nodeA", Tags: []string{"gpu"}, Programs: map[string]string{"psi4": "1.8"}}); err != nil {
		t.Fatalf("activate manager: %v", err)
	}

	claimed, err := s.Claim(ctx, "cluster1-nodeA-abc123", map[string]string{"psi4": "1.8"}, []string{"gpu"}, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].RecordID != recordID {
		t.Fatalf("expected to claim the one eligible task, got %+v", claimed)
	}

	meta, err := s.Return(ctx, "cluster1-nodeA-abc123", map[int64]storage.ResultPayload{
		claimed[0].ID: {Success: true, Properties: map[string]any{"total_energy": -1.0}},
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if len(meta.Accepted) != 1 || len(meta.Rejected) != 0 {
		t.Fatalf("expected clean accept, got %+v", meta)
	}

	got, err := s.Get(ctx, []int64{recordID}, storage.GetIncludes{ComputeHistory: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].Status != record.StatusComplete {
		t.Fatalf("expected completed record, got %+v", got)
	}
	if len(got[0].ComputeHistory) != 2 {
		t.Fatalf("expected running + complete history entries, got %d", len(got[0].ComputeHistory))
	}
}

func TestDeactivateRecyclesRunningRecords(t *testing.T) {
	s, ctx := newTestStore(t)

	results, err := s.Add(ctx, []storage.NewRecord{{
		RecordType: "singlepoint", Specification: sampleSpecification(), Molecules: []spec.Molecule{sampleMolecule()},
		Tag: "*", RequiredPrograms: nil, Function: "run_singlepoint",
	}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	recordID := results[0].ID

	if _, err := s.Activate(ctx, manager.Manager{Name: "worker-1", Tags: []string{"*"}, Programs: map[string]string{"psi4": "1.8"}}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	claimed, err := s.Claim(ctx, "worker-1", map[string]string{"psi4": "1.8"}, []string{"*"}, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %+v", err, claimed)
	}

	affected, err := s.Deactivate(ctx, []string{"worker-1"}, nil, "lost heartbeat")
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(affected) != 1 || affected[0] != "worker-1" {
		t.Fatalf("expected worker-1 deactivated, got %+v", affected)
	}

	got, err := s.Get(ctx, []int64{recordID}, storage.GetIncludes{Task: true, ComputeHistory: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got[0].Status != record.StatusWaiting {
		t.Fatalf("expected recycled record to be waiting, got %s", got[0].Status)
	}
	if got[0].Task == nil {
		t.Fatalf("expected task row to still exist after recycle")
	}
}

func TestJobRunnerClaimFinishAfterFunction(t *testing.T) {
	s, ctx := newTestStore(t)

	added, err := s.Add(ctx, []storage.NewRecord{}) // no-op, exercises empty batch path
	if err != nil || len(added) != 0 {
		t.Fatalf("expected empty add to be a no-op, got %v %v", added, err)
	}

	j, err := s.AddJob(ctx, job.Job{
		Name: "check", Function: job.NameHeartbeatCheck,
		AfterFunction: job.NameHeartbeatCheck, UniqueName: job.NameHeartbeatCheck,
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	claimed, ok, err := s.ClaimJob(ctx, "host-1", "uuid-1", time.Now().UTC())
	if err != nil || !ok || claimed.ID != j.ID {
		t.Fatalf("claim: %v %v %+v", err, ok, claimed)
	}

	if err := s.Finish(ctx, claimed.ID, job.StatusComplete, map[string]any{"ok": true}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// The after_function should have enqueued a follow-up waiting job. Finish
	// inserts that row without the finished job's unique_name or
	// after_function.
	_, ok2, err := s.ClaimJob(ctx, "host-1", "uuid-1", time.Now().UTC())
	if err != nil || !ok2 {
		t.Fatalf("expected follow-up job to be claimable: %v %v", err, ok2)
	}
}
