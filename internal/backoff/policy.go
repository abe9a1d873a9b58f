// Package backoff provides retry delay policies and context-aware retry
// helpers used by model providers and the interaction loop.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes how long to wait between retry attempts.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay after each attempt. 1 gives a constant
	// delay.
	Factor float64
	// Jitter randomizes the delay by up to this fraction (0.0 to 1.0).
	Jitter float64
}

// Delay returns the wait before retrying after the given attempt.
// Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}

// DefaultPolicy suits transient provider and storage errors.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// ConstantPolicy waits the same duration before every retry. Used for rate
// limits, where the provider has already told us how long to pause.
func ConstantPolicy(delay time.Duration) Policy {
	return Policy{
		Initial: delay,
		Max:     delay,
		Factor:  1,
	}
}
