// Package retry computes resume delays for camera scans paused after a
// transient failure.
package retry

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 60 * time.Second

	// Jitter draws uniformly from [1-Jitter, 1+Jitter].
	Jitter = 0.25
)

// Policy tracks consecutive failures and produces the delay before the next
// resume: min(base·2^(n−1)·jitter, max).
type Policy struct {
	base, max time.Duration
	exp       *backoff.ExponentialBackOff
	failures  int
}

// NewPolicy creates a policy. Non-positive arguments take defaults and max
// is raised to base when smaller.
func NewPolicy(base, max time.Duration) *Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = Jitter
	// The interval keeps growing past max so the jittered value still
	// saturates at max; the cap is applied in Next.
	exp.MaxInterval = max * 8
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Policy{base: base, max: max, exp: exp}
}

// Next records one more failure and returns the delay to wait before resuming.
func (p *Policy) Next() time.Duration {
	p.failures++
	d := p.exp.NextBackOff()
	if d == backoff.Stop || d > p.max {
		return p.max
	}
	return d
}

// Failures returns the consecutive failure count.
func (p *Policy) Failures() int {
	return p.failures
}

// Reset clears the failure count after a success or a manual stop.
func (p *Policy) Reset() {
	p.failures = 0
	p.exp.Reset()
}

// Base returns the initial delay.
func (p *Policy) Base() time.Duration { return p.base }

// Max returns the delay cap.
func (p *Policy) Max() time.Duration { return p.max }
