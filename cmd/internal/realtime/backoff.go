package realtime

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnection delays: Min doubled per attempt up to Max,
// randomized by ±Jitter and clamped to [Min, Max].
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before reconnection attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = lo
	}

	d := hi
	if n <= 32 {
		if step := lo << (n - 1); step > 0 && step < hi {
			d = step
		}
	}

	if b.Jitter > 0 {
		rnd := b.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		delta := float64(d) * b.Jitter
		d = time.Duration(float64(d) - delta + 2*delta*rnd())
	}
	return min(max(d, lo), hi)
}
