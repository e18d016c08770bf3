package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
)

// fallbackDeferral is used when the reported reset is already in the past,
// which happens when the budget check raced the hourly reset.
const fallbackDeferral = 30 * time.Minute

// RateLimitSource reports the current GitHub API budget for an installation.
type RateLimitSource interface {
	GetRateLimit(ctx context.Context, base BasePayload) (*githubapp.RateLimits, error)
}

// RateLimitGuard defers messages before the handler runs when the
// installation's GitHub budget usage crosses a threshold percentage, so
// backfill traffic does not starve webhook-driven work. At the default
// threshold of 100 the guard never fires.
type RateLimitGuard struct {
	source RateLimitSource

	// threshold is the usage percentage at or above which deliveries are
	// deferred.
	threshold float64

	clock func() time.Time
}

func NewRateLimitGuard(source RateLimitSource, threshold float64) *RateLimitGuard {
	return &RateLimitGuard{source: source, threshold: threshold, clock: time.Now}
}

// ShouldDefer reports whether the delivery should be re-enqueued instead of
// handled, and for how long. Budget lookups fail open: a guard that cannot
// see the budget must not stall the queue.
func (g *RateLimitGuard) ShouldDefer(ctx context.Context, base BasePayload, log *zap.Logger) (bool, time.Duration) {
	limits, err := g.source.GetRateLimit(ctx, base)
	if err != nil {
		log.Warn("rate limit check failed, proceeding", zap.Error(err))
		return false, 0
	}

	usage := usagePercent(limits.Core)
	if gq := usagePercent(limits.GraphQL); gq > usage {
		usage = gq
	}
	if usage < g.threshold {
		return false, 0
	}

	reset := limits.Core.Reset
	if limits.GraphQL.Reset > reset {
		reset = limits.GraphQL.Reset
	}
	delay := time.Unix(reset, 0).Sub(g.clock())
	if delay <= 0 {
		delay = fallbackDeferral
	}
	log.Warn("github budget usage over threshold",
		zap.Float64("usagePercent", usage),
		zap.Float64("threshold", g.threshold))
	return true, delay
}

func usagePercent(bucket githubapp.RateBucket) float64 {
	if bucket.Limit <= 0 {
		return 0
	}
	return float64(bucket.Limit-bucket.Remaining) / float64(bucket.Limit) * 100
}
