package motd

import "testing"

func TestStoreGetSetRoundTrip(t *testing.T) {
	s := New()
	if got := s.Get(); got != "" {
		t.Fatalf("expected empty default, got %q", got)
	}
	s.Set("scheduled maintenance at 02:00 UTC")
	if got := s.Get(); got != "scheduled maintenance at 02:00 UTC" {
		t.Fatalf("unexpected motd: %q", got)
	}
}
