package job

import (
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	if (Job{Status: StatusWaiting}).IsTerminal() {
		t.Error("waiting should not be terminal")
	}
	if (Job{Status: StatusRunning}).IsTerminal() {
		t.Error("running should not be terminal")
	}
	if !(Job{Status: StatusComplete}).IsTerminal() {
		t.Error("complete should be terminal")
	}
	if !(Job{Status: StatusCancelled}).IsTerminal() {
		t.Error("cancelled should be terminal")
	}
}

func TestIsStaleOnlyAppliesToRunning(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := Job{Status: StatusRunning, LastUpdated: now.Add(-10 * time.Minute)}
	if !j.IsStale(now, 5*time.Minute) {
		t.Error("expected stale running job to be flagged")
	}

	j.Status = StatusWaiting
	if j.IsStale(now, 5*time.Minute) {
		t.Error("waiting jobs are never stale")
	}
}
