package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
)

const (
	// maxDelay is the broker ceiling on message delay. Requested delays
	// at or above it are clamped just under to stay accepted.
	maxDelay = 15 * time.Minute

	// maxVisibility is the broker ceiling on a message lease.
	maxVisibility = 12*time.Hour - time.Second

	// staleMessageCutoff is how old a message may get on a prunable
	// queue before it is dropped unprocessed.
	staleMessageCutoff = 24 * time.Hour

	stopPollInterval = 10 * time.Millisecond
	stopWaitCeiling  = 60 * time.Second
)

// MessageHandler processes one delivery. Returning nil settles the message;
// any error routes it through the consumer's error handler.
type MessageHandler[T Payload] func(ctx context.Context, delivery *DeliveryContext[T]) error

// ErrorHandler decides what to do with a failed delivery.
type ErrorHandler[T Payload] func(ctx context.Context, cause error, delivery *DeliveryContext[T]) ErrorHandlingResult

// listenerContext tracks one generation of the listen loop. Stopping flags
// the current generation and a restart starts a fresh one, so a stopping
// loop can drain without blocking the new loop.
type listenerContext struct {
	stopped  atomic.Bool
	running  atomic.Bool
	detached atomic.Bool
}

// Consumer drives one logical queue: it serializes deliveries, leases each
// message for the handler budget, and settles or releases messages according
// to the error handler's verdict.
type Consumer[T Payload] struct {
	settings     Settings
	transport    Transport
	sender       *Sender[T]
	handler      MessageHandler[T]
	errorHandler ErrorHandler[T]

	metrics *metrics.Metrics
	log     *zap.Logger

	// pruneStale enables dropping messages older than staleMessageCutoff
	// before they reach the handler.
	pruneStale bool

	// rateGuard, when set, preemptively defers messages while the GitHub
	// budget is exhausted.
	rateGuard *RateLimitGuard

	// verboseHost reports whether deliveries for a Jira host get debug
	// logging.
	verboseHost func(jiraHost string) bool

	mu       sync.Mutex
	listener *listenerContext

	clock func() time.Time
}

// ConsumerOption tweaks consumer construction.
type ConsumerOption[T Payload] func(*Consumer[T])

// WithStalePruning drops messages older than a day instead of handling them.
func WithStalePruning[T Payload]() ConsumerOption[T] {
	return func(c *Consumer[T]) { c.pruneStale = true }
}

// WithRateLimitGuard defers deliveries while the installation's GitHub rate
// budget is below the configured threshold.
func WithRateLimitGuard[T Payload](guard *RateLimitGuard) ConsumerOption[T] {
	return func(c *Consumer[T]) { c.rateGuard = guard }
}

// WithVerboseHosts raises per-delivery logging to debug for matching hosts.
func WithVerboseHosts[T Payload](match func(jiraHost string) bool) ConsumerOption[T] {
	return func(c *Consumer[T]) { c.verboseHost = match }
}

func NewConsumer[T Payload](
	settings Settings,
	transport Transport,
	handler MessageHandler[T],
	errorHandler ErrorHandler[T],
	m *metrics.Metrics,
	log *zap.Logger,
	opts ...ConsumerOption[T],
) *Consumer[T] {
	c := &Consumer[T]{
		settings:     settings,
		transport:    transport,
		sender:       NewSender[T](settings.Name, transport, m, log),
		handler:      handler,
		errorHandler: errorHandler,
		metrics:      m,
		log:          log.Named("queue").With(zap.String("queue", settings.Name)),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the queue name.
func (c *Consumer[T]) Name() string { return c.settings.Name }

// SendMessage enqueues a payload with an optional delay. Delays at or above
// the broker ceiling are clamped just under it.
func (c *Consumer[T]) SendMessage(ctx context.Context, payload T, delay time.Duration) (string, error) {
	return c.sender.SendMessage(ctx, payload, delay)
}

// MessageCount reports how many messages the queue currently holds, delayed
// and in flight included. Broker-backed counts are approximate.
func (c *Consumer[T]) MessageCount(ctx context.Context) (int, error) {
	return c.transport.MessageCount(ctx)
}

// Start launches the listen loop. Starting an already listening consumer is
// a no-op.
func (c *Consumer[T]) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil && c.listener.running.Load() && !c.listener.stopped.Load() {
		c.log.Warn("consumer already running")
		return
	}
	lc := &listenerContext{}
	lc.running.Store(true)
	c.listener = lc
	go c.listen(lc)
	c.log.Info("consumer started",
		zap.Int("timeoutSec", c.settings.TimeoutSec),
		zap.Int("maxAttempts", c.settings.MaxAttempts))
}

// Stop flags the listen loop and waits for the in-flight delivery to finish,
// up to a ceiling. A loop that outlives the ceiling is detached and reports
// when it finally exits.
func (c *Consumer[T]) Stop(ctx context.Context) error {
	c.mu.Lock()
	lc := c.listener
	c.mu.Unlock()
	if lc == nil {
		return nil
	}
	lc.stopped.Store(true)

	deadline := c.clock().Add(stopWaitCeiling)
	for lc.running.Load() {
		if c.clock().After(deadline) {
			lc.detached.Store(true)
			c.log.Warn("consumer did not stop in time, detaching")
			return fmt.Errorf("queue %s: listener still running after %s", c.settings.Name, stopWaitCeiling)
		}
		select {
		case <-ctx.Done():
			lc.detached.Store(true)
			return ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}
	c.log.Info("consumer stopped")
	return nil
}

func (c *Consumer[T]) listen(lc *listenerContext) {
	defer func() {
		lc.running.Store(false)
		if lc.detached.Load() {
			c.log.Warn("detached listener exited")
		}
	}()

	ctx := context.Background()
	for !lc.stopped.Load() {
		msg, err := c.transport.Receive(ctx, c.settings.longPollingInterval())
		if err != nil {
			c.log.Error("receive failed", zap.Error(err))
			time.Sleep(c.settings.longPollingInterval())
			continue
		}
		if msg == nil {
			continue
		}
		if lc.stopped.Load() {
			// Shutting down; the lease expires and another consumer
			// picks the message up.
			break
		}
		c.executeMessage(ctx, msg)
	}
}

func (c *Consumer[T]) executeMessage(ctx context.Context, msg *Message) {
	var payload T
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		c.log.Error("unparseable message dropped",
			zap.String("messageId", msg.ID), zap.Error(err))
		c.deleteMessage(ctx, msg, c.log)
		return
	}

	base := payload.Base()
	log := c.log.With(
		zap.String("messageId", msg.ID),
		zap.String("jiraHost", base.JiraHost),
		zap.Int64("installationId", base.InstallationID),
		zap.Int("receiveCount", msg.ReceiveCount),
	)
	if c.verboseHost == nil || !c.verboseHost(base.JiraHost) {
		log = log.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}

	c.metrics.QueueReceived.WithLabelValues(c.settings.Name).Inc()

	if c.pruneStale {
		born := msg.SentAt
		if ev, ok := any(payload).(EventTimer); ok && !ev.EventTime().IsZero() {
			born = ev.EventTime()
		}
		if !born.IsZero() && c.clock().Sub(born) > staleMessageCutoff {
			log.Warn("stale message dropped", zap.Time("eventTime", born))
			c.deleteMessage(ctx, msg, log)
			return
		}
	}

	// Copies resent by the guard carry the rateLimited mark and are not
	// re-evaluated, so one deferred message cannot cycle through the guard
	// indefinitely.
	if c.rateGuard != nil && !base.RateLimited {
		deferred, delay := c.rateGuard.ShouldDefer(ctx, base, log)
		if deferred {
			c.resendRateLimited(ctx, msg, delay, log)
			return
		}
	}

	timeout := time.Duration(c.settings.TimeoutSec) * time.Second
	if err := c.changeVisibility(ctx, msg, timeout+2*time.Second); err != nil {
		log.Error("lease extension failed", zap.Error(err))
	}

	delivery := &DeliveryContext[T]{
		Payload:     payload,
		Message:     *msg,
		LastAttempt: msg.ReceiveCount >= c.settings.MaxAttempts,
		Log:         log,
	}

	start := c.clock()
	err := c.runWithTimeout(ctx, delivery, timeout)
	elapsed := c.clock().Sub(start)

	if err == nil {
		c.metrics.QueueCompleted.WithLabelValues(c.settings.Name).Inc()
		c.metrics.ObserveQueueDuration(c.settings.Name, elapsed)
		log.Info("message handled", zap.Duration("duration", elapsed))
		c.deleteMessage(ctx, msg, log)
		return
	}

	c.handleExecutionError(ctx, err, delivery)
}

// runWithTimeout races the handler against the lease budget. On timeout the
// handler keeps running; the consumer just stops waiting so the queue is not
// blocked by one stuck delivery.
func (c *Consumer[T]) runWithTimeout(ctx context.Context, delivery *DeliveryContext[T], timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- c.handler(ctx, delivery)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrTimeout
	}
}

// resendRateLimited re-enqueues a copy of the message annotated as rate
// limited and settles the original, so the guard is not consulted again when
// the copy comes back.
func (c *Consumer[T]) resendRateLimited(ctx context.Context, msg *Message, delay time.Duration, log *zap.Logger) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(msg.Body), &fields); err != nil {
		log.Error("rate limit resend failed to parse body", zap.Error(err))
		return
	}
	fields["rateLimited"] = true
	body, err := json.Marshal(fields)
	if err != nil {
		log.Error("rate limit resend failed to encode body", zap.Error(err))
		return
	}
	if _, err := c.sender.sendRaw(ctx, string(body), delay); err != nil {
		log.Error("rate limit resend failed", zap.Error(err))
		// Keep the original; it comes back when the lease expires.
		return
	}
	log.Warn("message deferred for rate limiting", zap.Duration("delay", delay))
	c.deleteMessage(ctx, msg, log)
}

func (c *Consumer[T]) handleExecutionError(ctx context.Context, cause error, delivery *DeliveryContext[T]) {
	log := delivery.Log
	defer func() {
		if r := recover(); r != nil {
			// The message is left alone; its lease expires and the
			// broker redelivers it.
			c.log.Error("error handling panicked", zap.Any("panic", r))
		}
	}()

	result := ErrorHandlingResult{Retryable: true, IsFailure: true}
	if c.errorHandler != nil {
		result = c.errorHandler(ctx, cause, delivery)
	}

	switch {
	case !result.IsFailure:
		log.Warn("message handled with expected error", zap.Error(cause))
		c.deleteMessage(ctx, &delivery.Message, log)
	case !result.Retryable:
		log.Error("unretryable error, message dropped", zap.Error(cause))
		c.deleteMessage(ctx, &delivery.Message, log)
	case delivery.LastAttempt && result.SkipDLQ:
		log.Error("final attempt failed, dead lettering skipped", zap.Error(cause))
		c.deleteMessage(ctx, &delivery.Message, log)
	case delivery.LastAttempt:
		log.Error("final attempt failed", zap.Error(cause))
		// Leave the message with its current lease untouched. The attempt
		// budget is spent, so no retry gets scheduled; the broker
		// dead-letters it per queue policy once the lease expires.
	default:
		delay := c.retryDelay(result, delivery.Message.ReceiveCount)
		log.Warn("message released for retry",
			zap.Error(cause), zap.Duration("delay", delay))
		if err := c.changeVisibility(ctx, &delivery.Message, delay); err != nil {
			log.Error("release failed", zap.Error(err))
		}
	}
}

// retryDelay picks the explicit delay when the error handler set one and an
// exponential backoff otherwise.
func (c *Consumer[T]) retryDelay(result ErrorHandlingResult, receiveCount int) time.Duration {
	if result.RetryDelay != nil {
		return *result.RetryDelay
	}
	return ExponentialBackoff(receiveCount)
}

// ExponentialBackoff is the default retry schedule: one minute tripled per
// delivery.
func ExponentialBackoff(receiveCount int) time.Duration {
	d := time.Minute
	for i := 0; i < receiveCount; i++ {
		d *= 3
	}
	return d
}

// changeVisibility moves the message lease. A missing receipt handle or a
// negative duration makes the call a no-op rather than rescheduling the
// message to become immediately visible.
func (c *Consumer[T]) changeVisibility(ctx context.Context, msg *Message, visible time.Duration) error {
	if msg.ReceiptHandle == "" || visible < 0 {
		return nil
	}
	if visible > maxVisibility {
		c.log.Warn("visibility clamped to broker ceiling", zap.Duration("requested", visible))
		visible = maxVisibility
	}
	return c.transport.ChangeVisibility(ctx, msg.ReceiptHandle, visible)
}

func (c *Consumer[T]) deleteMessage(ctx context.Context, msg *Message, log *zap.Logger) {
	if err := c.transport.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Error("delete failed", zap.Error(err))
		return
	}
	c.metrics.QueueDeleted.WithLabelValues(c.settings.Name).Inc()
}
