package manager

import (
	"strings"
	"testing"
	"time"
)

func TestTagMatchesWildcard(t *testing.T) {
	if !TagMatches("*", "gpu") {
		t.Error("task wildcard should match any manager tag")
	}
	if !TagMatches("gpu", "*") {
		t.Error("manager wildcard should match any task tag")
	}
	if TagMatches("gpu", "cpu") {
		t.Error("distinct tags should not match")
	}
	if !TagMatches("gpu", "gpu") {
		t.Error("identical tags should match")
	}
}

func TestProgramsSatisfySubset(t *testing.T) {
	available := map[string]string{"psi4": "1.8", "xtb": "6.6"}
	if !ProgramsSatisfy([]string{"psi4"}, available) {
		t.Error("expected psi4 subset to satisfy")
	}
	if ProgramsSatisfy([]string{"psi4", "orca"}, available) {
		t.Error("expected missing program to fail satisfaction")
	}
}

func TestNormalizeTagsLowercasesDedupsPreservesOrder(t *testing.T) {
	got := NormalizeTags([]string{"GPU", "gpu", " cpu ", "*"})
	want := []string{"gpu", "cpu", "*"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNewNameIncludesClusterAndHostname(t *testing.T) {
	name := NewName("Cluster1", "Node-A")
	if !strings.HasPrefix(name, "cluster1-node-a-") {
		t.Fatalf("expected name to start with normalized cluster/hostname, got %s", name)
	}
}

func TestIsExpiredAfterMaxMissedHeartbeats(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	m := Manager{ModifiedOn: now.Add(-6 * time.Minute)}
	if !m.IsExpired(now, time.Minute, 5) {
		t.Error("expected manager to be expired after missing 5 heartbeats")
	}
	m.ModifiedOn = now.Add(-4 * time.Minute)
	if m.IsExpired(now, time.Minute, 5) {
		t.Error("expected manager within the missed-heartbeat budget to not be expired")
	}
}
