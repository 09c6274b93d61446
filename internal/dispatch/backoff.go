package dispatch

import (
	"math"
	"time"
)

// maxBackoff is the largest representable delay. Doubling saturates there
// instead of overflowing time.Duration.
const maxBackoff = time.Duration(math.MaxInt64)

// Backoff returns the delay before the next attempt after attempt number
// attempt (1-based) failed: baseDelay * 2^(attempt-1).
func Backoff(baseDelay time.Duration, attempt int) time.Duration {
	if baseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxBackoff/2 {
			return maxBackoff
		}
		delay *= 2
	}
	return delay
}

// NextRetryAt is the scheduled time of the attempt following a failure at failedAt.
func NextRetryAt(failedAt time.Time, baseDelaySeconds, attempt int) time.Time {
	return failedAt.Add(Backoff(time.Duration(baseDelaySeconds)*time.Second, attempt))
}
