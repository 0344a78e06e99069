package pipeline

import "time"

// RetryPolicy is capped exponential backoff with a bounded attempt count
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay is the wait after the given failed attempt (1-based):
// base, 2*base, 4*base, ... capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether no automatic attempt remains after failures
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}
