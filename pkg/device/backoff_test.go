package device

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffFirstAttemptBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := nextBackoff(0, rng)
	assert.True(t, d >= 0 && d <= time.Second)
}

func TestNextBackoffMonotoneUpToCap(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var prevBase time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := nextBackoff(attempt, rng)
		assert.True(t, d <= backoffCap, "attempt %d exceeded cap: %v", attempt, d)

		shift := attempt
		if shift > 6 {
			shift = 6
		}
		base := backoffBase << uint(shift)
		if base > backoffCap {
			base = backoffCap
		}
		assert.True(t, base >= prevBase, "base should be non-decreasing")
		prevBase = base
	}
}

func TestNextBackoffCapsAtSixtySeconds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt := 6; attempt < 20; attempt++ {
		d := nextBackoff(attempt, rng)
		assert.True(t, d <= backoffCap)
	}
}
