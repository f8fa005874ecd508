package device

import (
	"math/rand"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
	jitterFrac  = 0.25
)

// nextBackoff computes the delay before the next reconnect attempt: the
// first attempt draws from U(0, 1000ms); subsequent attempts use
// min(60s, 2^attempt * 1s) with +/-25% jitter.
func nextBackoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 0 {
		return time.Duration(rng.Int63n(int64(backoffBase)))
	}

	shift := attempt
	if shift > 6 { // 2^6 * 1s already exceeds the 60s cap
		shift = 6
	}
	base := backoffBase << uint(shift)
	if base > backoffCap {
		base = backoffCap
	}

	jitter := time.Duration(float64(base) * jitterFrac)
	delta := time.Duration(rng.Int63n(int64(2*jitter+1))) - jitter
	d := base + delta
	if d < 0 {
		d = 0
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
