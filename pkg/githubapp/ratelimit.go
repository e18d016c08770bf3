package githubapp

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests client-side so a single listener does
// not burn the installation quota in bursts.
type RateLimiter struct{ l *rate.Limiter }

func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{
		l: rate.NewLimiter(rate.Limit(rpm)/60, burst),
	}
}

func (r *RateLimiter) Wait(ctx context.Context) error { return r.l.Wait(ctx) }
