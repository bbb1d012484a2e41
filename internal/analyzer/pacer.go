package analyzer

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer spaces out submissions on the client side so the backend's
// per-minute window is rarely hit. Limits can change at runtime.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows perMinute requests per minute with a burst of one.
// perMinute <= 0 disables pacing.
func NewPacer(perMinute int) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(limitFor(perMinute), 1)}
}

func limitFor(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(perMinute) / 60)
}

// Wait blocks until a submission is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// SetPerMinute changes the pacing rate.
func (p *Pacer) SetPerMinute(perMinute int) {
	p.limiter.SetLimit(limitFor(perMinute))
}
