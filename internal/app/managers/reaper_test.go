package managers

import (
	"context"
	"testing"
	"time"

	"github.com/qcfractal/fractal-core/internal/domain/manager"
)

func TestReaperTickEvictsOnlyPastThreshold(t *testing.T) {
	store := newFakeManagerStore()
	reg := New(store, time.Minute, 2)
	reaper := NewReaper(reg, time.Hour, nil)

	if _, err := reg.Activate(context.Background(), manager.Manager{
		Name: "fresh", Tags: []string{"*"}, Programs: map[string]string{"psi4": "1.8"},
	}); err != nil {
		t.Fatalf("activate fresh: %v", err)
	}
	if _, err := reg.Activate(context.Background(), manager.Manager{
		Name: "stale", Tags: []string{"*"}, Programs: map[string]string{"psi4": "1.8"},
	}); err != nil {
		t.Fatalf("activate stale: %v", err)
	}
	m := store.byName["stale"]
	m.ModifiedOn = time.Now().Add(-time.Hour)
	store.byName["stale"] = m

	reaper.tick(context.Background())

	if store.byName["fresh"].Status != manager.StatusActive {
		t.Fatalf("expected fresh manager to remain active")
	}
	if store.byName["stale"].Status != manager.StatusInactive {
		t.Fatalf("expected stale manager to be evicted")
	}
}

func TestReaperStartStopIsIdempotent(t *testing.T) {
	store := newFakeManagerStore()
	reg := New(store, time.Minute, 2)
	reaper := NewReaper(reg, 10*time.Millisecond, nil)

	ctx := context.Background()
	if err := reaper.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reaper.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := reaper.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := reaper.Stop(stopCtx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}
