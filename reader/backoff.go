package reader

import (
	"math"
	"time"
)

// backoffMultiplier grows the reconnect delay per failed attempt.
const backoffMultiplier = 2.0

// nextBackoffDelay returns the retry delay for attempt N (1-based).
func nextBackoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 || initial <= 0 {
		return initial
	}
	delay := float64(initial) * math.Pow(backoffMultiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
