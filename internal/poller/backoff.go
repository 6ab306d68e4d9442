package poller

import (
	"math"
	"time"
)

// Backoff controls the delay between retries of a failed status poll.
// The delay doubles each attempt: InitDelay * 2^attempt, capped at MaxDelay.
type Backoff struct {
	InitDelay time.Duration
	MaxDelay  time.Duration
}

// CalcDelay computes the sleep duration for a given attempt (0-indexed).
func CalcDelay(b Backoff, attempt int) time.Duration {
	if b.InitDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// float64 arithmetic so large attempt counts saturate instead of
	// overflowing int64
	f := float64(b.InitDelay) * math.Pow(2, float64(attempt))
	if b.MaxDelay > 0 && (math.IsInf(f, 0) || f > float64(b.MaxDelay)) {
		return b.MaxDelay
	}
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}
