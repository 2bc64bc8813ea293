package relay

import (
	"math"
	"time"
)

// DelayFunc returns how long to wait after the given failed connect attempt.
// Attempts are counted from zero.
type DelayFunc func(attempt int) time.Duration

// Fixed waits the same delay after every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential doubles delay after every attempt, capped at maxDelay.
//
// With delay of 1 second and maxDelay of 30 seconds:
//
//	after attempt 0: 1s
//	after attempt 1: 2s
//	after attempt 2: 4s
//	after attempt 3: 8s
//	after attempt 4: 16s
//	after attempt 5: 30s
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// bound the shift so delay << n cannot overflow int64
	var maxShifts uint
	if logDelay := math.Floor(math.Log2(float64(delay))); logDelay < 62 {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)
		return min(delay<<n, maxDelay)
	}
}
