package outbox

import (
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoffNeverDecreases(t *testing.T) {
	policies := []Policy{
		DefaultPolicy(),
		{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		{MaxAttempts: 100, BaseDelay: time.Hour},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for attempt := 0; attempt < 80; attempt++ {
			d := p.Backoff(attempt)
			if d < prev {
				t.Fatalf("policy %+v: Backoff(%d) = %v < previous %v", p, attempt, d, prev)
			}
			prev = d
		}
	}
}

func TestBackoffCap(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if got := p.Backoff(5); got != 3*time.Second {
		t.Errorf("Backoff(5) = %v, want capped 3s", got)
	}
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()
	for attemptCount, want := range []bool{false, false, true, true} {
		if got := p.Exhausted(attemptCount); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", attemptCount, got, want)
		}
	}
}

func TestSpent(t *testing.T) {
	p := DefaultPolicy()
	for attemptCount, want := range []bool{false, false, false, true, true} {
		if got := p.Spent(attemptCount); got != want {
			t.Errorf("Spent(%d) = %v, want %v", attemptCount, got, want)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"single attempt", Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}, false},
		{"zero attempts", Policy{MaxAttempts: 0, BaseDelay: time.Second}, true},
		{"zero delay", Policy{MaxAttempts: 3}, true},
		{"negative cap", Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
