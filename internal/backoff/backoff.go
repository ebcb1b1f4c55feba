// Package backoff computes retry delays for dispatch attempts.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	baseDelay = 250 * time.Millisecond
	maxDelay  = 60 * time.Second
	maxShift  = 10
	jitterCap = 250 * time.Millisecond
)

// ForAttempt returns the delay before retry number attempt (0-based):
// exponential from 250ms, capped at 60s, plus up to 250ms of jitter so
// co-failing workers do not retry in lockstep.
func ForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	shift := attempt
	if shift > maxShift {
		shift = maxShift
	}
	d := baseDelay << uint(shift)
	if d > maxDelay {
		d = maxDelay
	}
	return d + rand.N(jitterCap)
}
