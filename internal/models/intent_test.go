package models

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{IntentStatusPending, IntentStatusCompleted, true},
		{IntentStatusPending, IntentStatusFailed, true},

		// Terminal statuses are immutable
		{IntentStatusCompleted, IntentStatusFailed, false},
		{IntentStatusCompleted, IntentStatusPending, false},
		{IntentStatusCompleted, IntentStatusCompleted, false},
		{IntentStatusFailed, IntentStatusCompleted, false},
		{IntentStatusFailed, IntentStatusPending, false},

		// Unknown statuses
		{"nonexistent", IntentStatusCompleted, false},
		{IntentStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, status := range []string{IntentStatusCompleted, IntentStatusFailed} {
		if !IsTerminalStatus(status) {
			t.Errorf("status %q should be terminal", status)
		}
		if transitions := ValidIntentTransitions[status]; len(transitions) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, transitions)
		}
	}
	if IsTerminalStatus(IntentStatusPending) {
		t.Error("pending should not be terminal")
	}
}

func TestAssetString(t *testing.T) {
	native := NativeAsset()
	if !native.IsNative() || native.String() != "TON" {
		t.Errorf("native asset = %q, want TON", native.String())
	}

	usd := Asset{Code: "jUSDT", Issuer: "EQBynBO23ywHy_CgarY9NK9FTz0yDsG82PtcbSTQgGoXwiuA"}
	if usd.IsNative() {
		t.Error("issued asset should not be native")
	}
	want := "jUSDT:EQBynBO23ywHy_CgarY9NK9FTz0yDsG82PtcbSTQgGoXwiuA"
	if usd.String() != want {
		t.Errorf("asset string = %q, want %q", usd.String(), want)
	}
}
