package queue

import (
	"math/rand/v2"
	"time"
)

// RetryDelay computes the wait before attempt n+1: exponential from floor,
// capped at ceiling, with ±30% jitter so synchronized failures do not
// retry in lockstep. attempt is 1-based (the attempt that just failed).
func RetryDelay(attempt int, floor, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := floor
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= ceiling {
			base = ceiling
			break
		}
	}

	// Range: [0.7*base, 1.3*base]
	span := int64(base) * 6 / 10
	d := base - time.Duration(int64(base)*3/10)
	if span > 0 {
		d += time.Duration(rand.Int64N(span + 1))
	}

	if d < floor {
		d = floor
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// PollJitter spreads a poll interval over [base, 1.5*base) so multiple
// workers do not hammer the store in phase.
func PollJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(base)/2+1))
}
