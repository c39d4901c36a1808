// Package backoff computes reconnect delays for long-lived backend feeds.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff with jitter.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor multiplies the delay after each failed attempt.
	Factor float64
	// Jitter adds up to this fraction of the base delay (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy is used for the chunk feed reconnect loop.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// normalized fills zero fields from DefaultPolicy.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0, 1).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	p = p.normalized()
	exp := math.Max(float64(attempt-1), 0)

	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)

	return time.Duration(total).Round(time.Millisecond)
}
