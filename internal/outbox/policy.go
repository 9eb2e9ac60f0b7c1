package outbox

import (
	"errors"
	"math"
	"time"
)

// Policy bounds how often and how patiently a job is retried.
type Policy struct {
	// MaxAttempts is the number of transient failures after which a job
	// is dead-lettered.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff when positive.
	MaxDelay time.Duration
}

// DefaultPolicy is 3 attempts with a 5s base delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// Validate rejects policies that would never retry sensibly.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if p.BaseDelay <= 0 {
		return errors.New("base delay must be positive")
	}
	if p.MaxDelay < 0 {
		return errors.New("max delay must not be negative")
	}
	return nil
}

// Backoff returns BaseDelay * 2^attempt, capped at MaxDelay when set and
// saturating instead of overflowing. It never decreases as attempt grows.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether a job that has already failed attemptCount times
// and just failed again has used up its budget.
func (p Policy) Exhausted(attemptCount int) bool {
	return attemptCount+1 >= p.MaxAttempts
}

// Spent reports whether attemptCount failures, including reclaimed leases,
// already use up the budget so the job must not be sent again.
func (p Policy) Spent(attemptCount int) bool {
	return attemptCount >= p.MaxAttempts
}
