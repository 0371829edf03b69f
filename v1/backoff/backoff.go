// Package backoff computes retry delays. The policy is a pure function of
// the attempt number: delay = Base * 2^(attempt-1). Jitter is an explicit
// opt-in because it breaks determinism; tests should leave it disabled or
// inject a fixed random source.
package backoff

import (
	"math/rand"
	"time"
)

// DefaultBase is the delay unit used when no base is configured.
const DefaultBase = time.Second

// Policy computes the delay before a given retry attempt.
type Policy struct {
	// Base is the delay before the first retry. Zero means DefaultBase.
	Base time.Duration
	// Max caps the computed delay. Zero means uncapped; callers must then
	// bound total latency with a sane max-attempts limit.
	Max time.Duration
	// Jitter, between 0 and 1, adds up to Jitter*delay of random extra
	// delay. Zero disables jitter and makes Delay deterministic.
	Jitter float64

	rand *rand.Rand
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMax caps computed delays at d.
func WithMax(d time.Duration) PolicyOption {
	return func(p *Policy) { p.Max = d }
}

// WithJitter enables additive jitter of up to fraction*delay per attempt.
func WithJitter(fraction float64) PolicyOption {
	return func(p *Policy) { p.Jitter = fraction }
}

// WithRand sets the random source used for jitter, letting tests fix the
// seed.
func WithRand(r *rand.Rand) PolicyOption {
	return func(p *Policy) { p.rand = r }
}

// NewPolicy returns a Policy with the given base delay. A non-positive base
// falls back to DefaultBase.
func NewPolicy(base time.Duration, opts ...PolicyOption) *Policy {
	p := &Policy{Base: base}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns the delay to sleep before retry attempt n (n >= 1). The
// delay doubles with each attempt and is never negative.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	d := base << uint(attempt-1)
	if d < base {
		// Shift overflowed; saturate instead of wrapping negative.
		d = 1<<63 - 1
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += time.Duration(p.Jitter * float64(d) * p.float64())
	}
	return d
}

func (p *Policy) float64() float64 {
	if p.rand != nil {
		return p.rand.Float64()
	}
	return rand.Float64()
}
