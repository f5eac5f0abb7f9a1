package retry

import "time"

// Policy decides retry eligibility and the delay before a redo.
type Policy struct {
	// BackoffFactor is the base multiplier, in seconds, of the exponential
	// delay formula.
	BackoffFactor int
	// MaxRetryCount is the attempt ceiling; an item at the ceiling is
	// dropped instead of re-enqueued.
	MaxRetryCount int
}

// Backoff returns the delay before retrying the given attempt:
// factor * 2^(attempt-1). Attempt zero retries immediately.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return time.Duration(p.BackoffFactor) * time.Second << (attempt - 1)
}

// CanRetry reports whether an item with the given attempt count may be
// retried.
func (p Policy) CanRetry(attempt int) bool {
	return attempt < p.MaxRetryCount
}
