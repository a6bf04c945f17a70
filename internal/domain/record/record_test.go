package record

import "testing"

func TestCanTransitionAllowsDocumentedMoves(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusWaiting, StatusRunning, true},
		{StatusRunning, StatusComplete, true},
		{StatusRunning, StatusError, true},
		{StatusError, StatusWaiting, true},
		{StatusWaiting, StatusCancelled, true},
		{StatusRunning, StatusCancelled, true},
		{StatusComplete, StatusInvalid, false},
		{StatusCancelled, StatusWaiting, false},
		{StatusInvalid, StatusWaiting, false},
		{StatusDeleted, StatusWaiting, false},
		{StatusComplete, StatusDeleted, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionRejectsSelfLoop(t *testing.T) {
	if CanTransition(StatusRunning, StatusRunning) {
		t.Fatal("expected self-transition to be rejected")
	}
}

func TestShortDescriptionVariesByRecordType(t *testing.T) {
	got := ShortDescription("singlepoint", "psi4", "b3lyp", "def2-svp")
	want := "single point: psi4/b3lyp/def2-svp"
	if got != want {
		t.Fatalf("ShortDescription = %q, want %q", got, want)
	}

	got = ShortDescription("optimization", "psi4", "hf", "")
	want = "optimization: psi4/hf"
	if got != want {
		t.Fatalf("ShortDescription = %q, want %q", got, want)
	}
}
