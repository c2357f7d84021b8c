package worker

import (
	"time"
)

// retryDelay returns the capped exponential backoff before attempt n's
// retry: base, 2·base, 4·base … up to max. With the defaults (15m base, 1h
// cap) the sequence is 15, 30, 60, 60 … minutes.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
