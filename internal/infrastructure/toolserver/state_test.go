package toolserver

import "testing"

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to ServerStatus }{
		{StatusDisabled, StatusDisconnected},
		{StatusDisconnected, StatusConnecting},
		{StatusDisconnected, StatusDisabled},
		{StatusConnecting, StatusConnected},
		{StatusConnecting, StatusError},
		{StatusConnecting, StatusDisconnected},
		{StatusConnected, StatusError},
		{StatusConnected, StatusDisconnected},
		{StatusConnected, StatusDisabled},
		{StatusError, StatusConnecting},
		{StatusError, StatusDisconnected},
		{StatusError, StatusDisabled},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to ServerStatus }{
		{StatusDisabled, StatusConnecting},
		{StatusDisabled, StatusConnected},
		{StatusDisabled, StatusError},
		{StatusDisconnected, StatusConnected},
		{StatusDisconnected, StatusError},
		{StatusError, StatusConnected},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestSameStatusTransitionAllowed(t *testing.T) {
	for _, s := range []ServerStatus{StatusDisabled, StatusDisconnected, StatusConnecting, StatusConnected, StatusError} {
		if !CanTransition(s, s) {
			t.Errorf("%s -> %s should be a no-op", s, s)
		}
	}
}

func TestCheckTransitionError(t *testing.T) {
	if err := checkTransition("s1", StatusDisabled, StatusConnecting); err == nil {
		t.Fatal("expected error for disabled -> connecting")
	}
	if err := checkTransition("s1", StatusDisconnected, StatusConnecting); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
