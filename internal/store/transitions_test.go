package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{ActionCall, "waiting", true},
		{ActionCall, "called", false},
		{ActionCall, "completed", false},
		{ActionStartService, "called", true},
		{ActionStartService, "waiting", false},
		{ActionComplete, "in_service", true},
		{ActionComplete, "called", false},
		{ActionComplete, "waiting", false},
		{ActionSkip, "called", true},
		{ActionSkip, "waiting", false},
		{ActionSkip, "in_service", false},
		{ActionCancel, "waiting", true},
		{ActionCancel, "called", false},
		{ActionRequeue, "called", true},
		{ActionRequeue, "skipped", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
