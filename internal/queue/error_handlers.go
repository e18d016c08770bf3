package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/jira"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
)

// rateLimitDelayBuffer is the minimum headroom added past the reset instant
// so the budget has actually replenished by the time the retry fires.
const rateLimitDelayBuffer = 10 * time.Second

// JiraAndGitHubErrorsHandler classifies the errors the GitHub and Jira
// clients return.
//
// Jira 401, 403 and 404 mean the site is gone or the app was uninstalled;
// retrying cannot help and the condition is expected, so the message is
// settled without counting as a failure. The same statuses from GitHub mean
// the installation lost access to the resource and are treated the same way.
// GitHub rate limiting schedules the retry past the reported reset, backing
// off harder on every extra delivery. Anything else retries on the default
// exponential schedule.
func JiraAndGitHubErrorsHandler[T Payload](clock func() time.Time) ErrorHandler[T] {
	if clock == nil {
		clock = time.Now
	}
	return func(_ context.Context, cause error, delivery *DeliveryContext[T]) ErrorHandlingResult {
		var jiraErr *jira.ClientError
		if errors.As(cause, &jiraErr) {
			switch jiraErr.Status {
			case 401, 403, 404:
				delivery.Log.Warn("jira site unreachable",
					zap.Int("status", jiraErr.Status))
				return ErrorHandlingResult{Retryable: false, IsFailure: false}
			}
		}

		var rateErr *githubapp.RateLimitingError
		if errors.As(cause, &rateErr) {
			delay := rateLimitRetryDelay(clock(), rateErr.Reset, delivery.Message.ReceiveCount)
			return ErrorHandlingResult{
				Retryable:  true,
				RetryDelay: &delay,
				IsFailure:  true,
			}
		}

		var ghErr *githubapp.ClientError
		if errors.As(cause, &ghErr) {
			switch ghErr.Status {
			case 401, 403, 404:
				delivery.Log.Warn("github resource unreachable",
					zap.Int("status", ghErr.Status))
				return ErrorHandlingResult{Retryable: false, IsFailure: false}
			}
		}

		delay := ExponentialBackoff(delivery.Message.ReceiveCount)
		return ErrorHandlingResult{
			Retryable:  true,
			RetryDelay: &delay,
			IsFailure:  true,
		}
	}
}

// rateLimitRetryDelay schedules the retry past the rate limit reset with a
// shrinking buffer, plus a whole extra hour per delivery beyond the first.
// Repeated rate limiting on the same message means other traffic keeps
// draining the budget first, so each round yields a full window to it.
func rateLimitRetryDelay(now time.Time, resetEpoch int64, receiveCount int) time.Duration {
	buffer := time.Duration(60-receiveCount*10) * time.Second
	if buffer < rateLimitDelayBuffer {
		buffer = rateLimitDelayBuffer
	}
	delay := time.Unix(resetEpoch, 0).Add(buffer).Sub(now)
	delay += time.Duration(receiveCount-1) * time.Hour
	if delay < 0 {
		delay = 0
	}
	return delay
}

// WithFailureMetric decorates an error handler so the queue's failure
// counter fires exactly once per message, on the verdict that takes it out
// of rotation: either an unretryable failure or a failed final attempt.
func WithFailureMetric[T Payload](next ErrorHandler[T], m *metrics.Metrics, queue string) ErrorHandler[T] {
	return func(ctx context.Context, cause error, delivery *DeliveryContext[T]) ErrorHandlingResult {
		result := next(ctx, cause, delivery)
		if result.IsFailure && (!result.Retryable || delivery.LastAttempt) {
			m.QueueFailed.WithLabelValues(queue).Inc()
		}
		return result
	}
}

// WithWebhookMetric decorates an error handler for webhook-driven queues so
// the webhook failure counter fires once the message leaves rotation.
func WithWebhookMetric[T Payload](next ErrorHandler[T], m *metrics.Metrics, webhook string) ErrorHandler[T] {
	return func(ctx context.Context, cause error, delivery *DeliveryContext[T]) ErrorHandlingResult {
		result := next(ctx, cause, delivery)
		if result.IsFailure && (!result.Retryable || delivery.LastAttempt) {
			m.WebhookFailed.WithLabelValues(webhook).Inc()
		}
		return result
	}
}

// WithSkipDLQ decorates an error handler so final failed attempts are
// settled instead of dead lettered.
func WithSkipDLQ[T Payload](next ErrorHandler[T]) ErrorHandler[T] {
	return func(ctx context.Context, cause error, delivery *DeliveryContext[T]) ErrorHandlingResult {
		result := next(ctx, cause, delivery)
		result.SkipDLQ = true
		return result
	}
}
