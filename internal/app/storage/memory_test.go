package storage

import (
	"context"
	"testing"
	"time"

	"github.com/qcfractal/fractal-core/internal/domain/job"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
	"github.com/qcfractal/fractal-core/internal/domain/record"
	"github.com/qcfractal/fractal-core/internal/domain/spec"
)

func sampleNewRecord() NewRecord {
	return NewRecord{
		RecordType:    "singlepoint",
		OwnerUser:     "user1",
		OwnerGroup:    "group1",
		Specification: spec.Specification{RecordType: "singlepoint", Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "def2-svp"},
		Molecules: []spec.Molecule{{
			Symbols: []string{"H", "H"}, Geometry: []float64{0, 0, 0, 0, 0, 1.4},
			MolecularCharge: 0, MolecularMultiplicity: 1,
		}},
		Tag:              "*",
		Priority:         record.PriorityNormal,
		RequiredPrograms: []string{"psi4"},
		Function:         "run_singlepoint",
	}
}

func TestMemoryAddDedupesOnSecondInsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.Add(ctx, []NewRecord{sampleNewRecord()})
	if err != nil || len(first) != 1 || first[0].Disposition != DispositionInserted {
		t.Fatalf("first add: %+v err=%v", first, err)
	}

	second, err := m.Add(ctx, []NewRecord{sampleNewRecord()})
	if err != nil || len(second) != 1 {
		t.Fatalf("second add: %+v err=%v", second, err)
	}
	if second[0].Disposition != DispositionExisting || second[0].ID != first[0].ID {
		t.Fatalf("expected second add to dedupe onto %d, got %+v", first[0].ID, second[0])
	}
}

func TestMemoryClaimAndReturnLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	added, err := m.Add(ctx, []NewRecord{sampleNewRecord()})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	recordID := added[0].ID

	if _, err := m.Activate(ctx, manager.Manager{Name: "worker-1", Tags: []string{"*"}, Programs: map[string]string{"psi4": "1.8"}}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	claimed, err := m.Claim(ctx, "worker-1", map[string]string{"psi4": "1.8"}, []string{"*"}, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].RecordID != recordID {
		t.Fatalf("expected to claim the one waiting task, got %+v", claimed)
	}

	meta, err := m.Return(ctx, "worker-1", map[int64]ResultPayload{
		claimed[0].ID: {Success: true, Properties: map[string]any{"energy": -1.0}},
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if len(meta.Accepted) != 1 || len(meta.Rejected) != 0 {
		t.Fatalf("expected a clean accept, got %+v", meta)
	}

	got, err := m.Get(ctx, []int64{recordID}, GetIncludes{ComputeHistory: true}, false)
	if err != nil || len(got) != 1 {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if got[0].Status != record.StatusComplete {
		t.Fatalf("expected record complete, got %s", got[0].Status)
	}
	if len(got[0].ComputeHistory) != 2 {
		t.Fatalf("expected running+complete history entries, got %d", len(got[0].ComputeHistory))
	}
}

func TestMemoryDeactivateRecyclesRunningRecords(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	added, err := m.Add(ctx, []NewRecord{sampleNewRecord()})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	recordID := added[0].ID

	if _, err := m.Activate(ctx, manager.Manager{Name: "worker-1", Tags: []string{"*"}, Programs: map[string]string{"psi4": "1.8"}}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := m.Claim(ctx, "worker-1", map[string]string{"psi4": "1.8"}, []string{"*"}, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	affected, err := m.Deactivate(ctx, []string{"worker-1"}, nil, "lost heartbeat")
	if err != nil || len(affected) != 1 {
		t.Fatalf("deactivate: %+v err=%v", affected, err)
	}

	got, err := m.Get(ctx, []int64{recordID}, GetIncludes{Task: true}, false)
	if err != nil || len(got) != 1 {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if got[0].Status != record.StatusWaiting {
		t.Fatalf("expected recycled record to be waiting, got %s", got[0].Status)
	}
	if got[0].Task == nil {
		t.Fatalf("expected a recreated task row")
	}
}

func TestMemoryJobClaimRunsAfterFunctionFollowUp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.AddJob(ctx, job.Job{
		Name: "check", Function: job.NameHeartbeatCheck,
		AfterFunction: job.NameHeartbeatCheck, UniqueName: job.NameHeartbeatCheck,
	}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	claimed, ok, err := m.ClaimJob(ctx, "host-1", "uuid-1", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("claim job: ok=%v err=%v", ok, err)
	}
	if err := m.Finish(ctx, claimed.ID, job.StatusComplete, map[string]any{"ok": true}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	second, ok, err := m.ClaimJob(ctx, "host-1", "uuid-1", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("claim follow-up job: ok=%v err=%v", ok, err)
	}
	if second.Function != job.NameHeartbeatCheck {
		t.Fatalf("expected the after_function follow-up to be claimable, got %+v", second)
	}
}

func TestMemoryServiceEngineCompleteDeletesDependencies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	added, err := m.Add(ctx, []NewRecord{{RecordType: "torsiondrive", IsService: true, Tag: "*", Priority: record.PriorityNormal,
		Specification: spec.Specification{RecordType: "torsiondrive", Program: "psi4", Driver: "gradient", Method: "hf"}}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	serviceID := added[0].ID

	childAdded, err := m.Add(ctx, []NewRecord{sampleNewRecord()})
	if err != nil {
		t.Fatalf("add child: %v", err)
	}

	if err := m.AddDependencies(ctx, serviceID, []record.ServiceDependency{{ServiceID: serviceID, ChildRecordID: childAdded[0].ID}}); err != nil {
		t.Fatalf("add deps: %v", err)
	}
	runnable, err := m.ClaimRunnable(ctx, 10)
	if err != nil {
		t.Fatalf("claim runnable: %v", err)
	}
	for _, svc := range runnable {
		if svc.RecordID == serviceID {
			t.Fatalf("service with an open dependency should not be runnable")
		}
	}

	if err := m.CompleteService(ctx, serviceID, map[string]any{"final": true}); err != nil {
		t.Fatalf("complete service: %v", err)
	}
	deps, err := m.Dependencies(ctx, serviceID)
	if err != nil || len(deps) != 0 {
		t.Fatalf("expected dependencies to be cleared on completion, got %+v err=%v", deps, err)
	}
}
