package errors

import "time"

// BackoffCeiling caps the retry delay.
const BackoffCeiling = 60 * time.Second

// Backoff returns the delay before retry number attempt (1-based):
// min(2^attempt, 60) seconds. The schedule is deliberately not jittered;
// retried work is rescheduled as independent tasks so synchronized retries
// only contend on the bus semaphore.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^6 already exceeds the ceiling; avoid shifting into overflow.
	if attempt > 6 {
		return BackoffCeiling
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > BackoffCeiling {
		return BackoffCeiling
	}
	return d
}
