package launch

import "testing"

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusLaunching, "launching"},
		{StatusRunning, "running"},
		{StatusTerminating, "terminating"},
		{StatusTerminated, "terminated"},
		{StatusFailed, "failed"},
		{Status(99), "invalid"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"launching to running", StatusLaunching, StatusRunning, true},
		{"launching to failed", StatusLaunching, StatusFailed, true},
		{"launching to terminating", StatusLaunching, StatusTerminating, true},
		{"launching to terminated skips a state", StatusLaunching, StatusTerminated, false},
		{"running to terminating", StatusRunning, StatusTerminating, true},
		{"running to failed", StatusRunning, StatusFailed, false},
		{"running to terminated skips a state", StatusRunning, StatusTerminated, false},
		{"terminating to terminated", StatusTerminating, StatusTerminated, true},
		{"terminated is terminal", StatusTerminated, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusLaunching, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusLaunching, StatusRunning, StatusTerminating} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusTerminated, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
