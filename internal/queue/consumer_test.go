package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/jira"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
)

func testSettings() Settings {
	return Settings{
		Name:                   "backfill-test",
		TimeoutSec:             5,
		MaxAttempts:            3,
		LongPollingIntervalSec: 1,
	}
}

// fakeClock is a manually advanced time source shared between a consumer and
// its transport.
type fakeClock struct {
	now atomic.Pointer[time.Time]
}

func newFakeClock(start time.Time) *fakeClock {
	c := &fakeClock{}
	c.now.Store(&start)
	return c
}

func (c *fakeClock) Now() time.Time { return *c.now.Load() }

func (c *fakeClock) Advance(d time.Duration) {
	t := c.now.Load().Add(d)
	c.now.Store(&t)
}

func testPayloadBody(t *testing.T, payload BackfillPayload) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(body)
}

func receiveNow(t *testing.T, mt *MemoryTransport) *Message {
	t.Helper()
	msg, err := mt.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func TestSender_ClampsDelayToBrokerCeiling(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mt := NewMemoryTransport()
	mt.SetClock(clock.Now)

	s := NewSender[BackfillPayload]("q", mt, metrics.NewNop(), zap.NewNop())
	_, err := s.SendMessage(context.Background(), BackfillPayload{}, 20*time.Minute)
	require.NoError(t, err)

	msg, err := mt.Receive(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, msg, "message must stay hidden until the clamped delay passes")

	clock.Advance(15*time.Minute - time.Second)
	msg, err = mt.Receive(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, msg, "message must surface at the clamped delay, not the requested one")
}

func TestConsumer_DeliversPayload(t *testing.T) {
	mt := NewMemoryTransport()
	received := make(chan BackfillPayload, 1)
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		received <- d.Payload
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	c.Start()
	defer c.Stop(context.Background())

	sent := BackfillPayload{
		BasePayload: BasePayload{InstallationID: 42, JiraHost: "acme.atlassian.net"},
		SyncType:    "full",
	}
	_, err := c.SendMessage(context.Background(), sent, 0)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, int64(42), got.InstallationID)
		assert.Equal(t, "acme.atlassian.net", got.JiraHost)
		assert.Equal(t, "full", got.SyncType)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	assert.Eventually(t, func() bool { return mt.Size() == 0 }, 2*time.Second, 10*time.Millisecond,
		"handled message must be settled")
}

func TestConsumer_HandlesMessagesSequentially(t *testing.T) {
	mt := NewMemoryTransport()
	var inFlight, maxInFlight atomic.Int32
	done := make(chan struct{}, 3)
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		n := inFlight.Add(1)
		for {
			peak := maxInFlight.Load()
			if n <= peak || maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		done <- struct{}{}
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := c.SendMessage(context.Background(), BackfillPayload{}, 0)
		require.NoError(t, err)
	}
	c.Start()
	defer c.Stop(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler runs did not finish")
		}
	}
	assert.Equal(t, int32(1), maxInFlight.Load(), "deliveries must not overlap")
}

func TestConsumer_DropsUnparseableMessage(t *testing.T) {
	mt := NewMemoryTransport()
	handled := false
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		handled = true
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	_, err := mt.Send(context.Background(), "{not json", 0)
	require.NoError(t, err)

	c.executeMessage(context.Background(), receiveNow(t, mt))

	assert.False(t, handled)
	assert.Equal(t, 0, mt.Size(), "unparseable message must be settled, not redelivered")
}

func TestConsumer_ReleasesRetryableFailure(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mt := NewMemoryTransport()
	mt.SetClock(clock.Now)

	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return errors.New("boom")
	}, JiraAndGitHubErrorsHandler[BackfillPayload](clock.Now), metrics.NewNop(), zap.NewNop())
	c.clock = clock.Now

	_, err := mt.Send(context.Background(), testPayloadBody(t, BackfillPayload{}), 0)
	require.NoError(t, err)

	c.executeMessage(context.Background(), receiveNow(t, mt))

	assert.Equal(t, 1, mt.Size(), "retryable failure keeps the message")
	msg, err := mt.Receive(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, msg, "released message must respect the backoff")

	// First delivery backs off a tripled minute.
	clock.Advance(3*time.Minute + time.Second)
	msg, err = mt.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.ReceiveCount)
}

func TestConsumer_SettlesNonFailureError(t *testing.T) {
	mt := NewMemoryTransport()
	m := metrics.NewNop()
	handler := func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return &jira.ClientError{Status: 404, Message: "site gone"}
	}
	errorHandler := WithFailureMetric(JiraAndGitHubErrorsHandler[BackfillPayload](nil), m, "backfill-test")
	c := NewConsumer(testSettings(), mt, handler, errorHandler, m, zap.NewNop())

	_, err := mt.Send(context.Background(), testPayloadBody(t, BackfillPayload{}), 0)
	require.NoError(t, err)

	c.executeMessage(context.Background(), receiveNow(t, mt))

	assert.Equal(t, 0, mt.Size())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueueFailed.WithLabelValues("backfill-test")),
		"an expected error must not count as a failure")
}

func TestConsumer_FinalAttemptLeavesMessageForDLQ(t *testing.T) {
	mt := NewMemoryTransport()
	m := metrics.NewNop()
	settings := testSettings()
	settings.MaxAttempts = 2
	errorHandler := WithFailureMetric(JiraAndGitHubErrorsHandler[BackfillPayload](nil), m, settings.Name)
	c := NewConsumer(settings, mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return errors.New("boom")
	}, errorHandler, m, zap.NewNop())

	_, err := mt.Send(context.Background(), testPayloadBody(t, BackfillPayload{}), 0)
	require.NoError(t, err)

	first := receiveNow(t, mt)
	require.NoError(t, mt.ChangeVisibility(context.Background(), first.ReceiptHandle, 0))
	second := receiveNow(t, mt)
	require.Equal(t, 2, second.ReceiveCount)

	c.executeMessage(context.Background(), second)

	assert.Equal(t, 1, mt.Size(), "final failed attempt is left for the dead letter policy")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueueFailed.WithLabelValues(settings.Name)))
}

func TestConsumer_SkipDLQSettlesFinalAttempt(t *testing.T) {
	mt := NewMemoryTransport()
	m := metrics.NewNop()
	settings := testSettings()
	settings.MaxAttempts = 1
	errorHandler := WithSkipDLQ(JiraAndGitHubErrorsHandler[BackfillPayload](nil))
	c := NewConsumer(settings, mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return errors.New("boom")
	}, errorHandler, m, zap.NewNop())

	_, err := mt.Send(context.Background(), testPayloadBody(t, BackfillPayload{}), 0)
	require.NoError(t, err)

	c.executeMessage(context.Background(), receiveNow(t, mt))

	assert.Equal(t, 0, mt.Size())
}

func TestConsumer_PrunesStaleMessages(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mt := NewMemoryTransport()
	mt.SetClock(clock.Now)

	handled := 0
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[PushPayload]) error {
		handled++
		return nil
	}, nil, metrics.NewNop(), zap.NewNop(), WithStalePruning[PushPayload]())
	c.clock = clock.Now

	send := func(age time.Duration) {
		t.Helper()
		body, err := json.Marshal(PushPayload{
			WebhookReceived: clock.Now().Add(-age).UnixMilli(),
		})
		require.NoError(t, err)
		_, err = mt.Send(context.Background(), string(body), 0)
		require.NoError(t, err)
	}

	send(48 * time.Hour)
	c.executeMessage(context.Background(), receiveNow(t, mt))
	assert.Equal(t, 0, handled, "two day old event must be dropped")
	assert.Equal(t, 0, mt.Size())

	send(12 * time.Hour)
	c.executeMessage(context.Background(), receiveNow(t, mt))
	assert.Equal(t, 1, handled, "half day old event must still be handled")
}

type stubRateLimitSource struct {
	limits *githubapp.RateLimits
	err    error
	calls  int
}

func (s *stubRateLimitSource) GetRateLimit(ctx context.Context, base BasePayload) (*githubapp.RateLimits, error) {
	s.calls++
	return s.limits, s.err
}

func TestConsumer_RateLimitGuardDefersDelivery(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mt := NewMemoryTransport()
	mt.SetClock(clock.Now)

	source := &stubRateLimitSource{limits: &githubapp.RateLimits{
		Core: githubapp.RateBucket{Limit: 100, Remaining: 0, Reset: clock.Now().Add(10 * time.Minute).Unix()},
	}}
	guard := NewRateLimitGuard(source, 50)
	guard.clock = clock.Now

	handled := 0
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		handled++
		return nil
	}, nil, metrics.NewNop(), zap.NewNop(), WithRateLimitGuard[BackfillPayload](guard))
	c.clock = clock.Now

	_, err := mt.Send(context.Background(), testPayloadBody(t, BackfillPayload{}), 0)
	require.NoError(t, err)

	c.executeMessage(context.Background(), receiveNow(t, mt))
	assert.Equal(t, 0, handled, "exhausted budget must defer the delivery")
	assert.Equal(t, 1, mt.Size(), "a deferred copy replaces the original")

	msg, err := mt.Receive(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, msg, "the copy must stay hidden until the reset")

	clock.Advance(10*time.Minute + time.Second)
	copyMsg := receiveNow(t, mt)
	assert.Contains(t, copyMsg.Body, `"rateLimited":true`)

	// The annotated copy bypasses the guard so it cannot loop forever.
	c.executeMessage(context.Background(), copyMsg)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, source.calls)
}

func TestConsumer_MessageCount(t *testing.T) {
	mt := NewMemoryTransport()
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	_, err := c.SendMessage(context.Background(), BackfillPayload{}, 0)
	require.NoError(t, err)
	_, err = c.SendMessage(context.Background(), BackfillPayload{}, time.Hour)
	require.NoError(t, err)

	count, err := c.MessageCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// countingTransport fails every receive and records transport calls.
type countingTransport struct {
	*MemoryTransport
	receives        atomic.Int32
	visibilityCalls atomic.Int32
}

func newCountingTransport() *countingTransport {
	return &countingTransport{MemoryTransport: NewMemoryTransport()}
}

func (c *countingTransport) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	c.receives.Add(1)
	return nil, errors.New("broker unavailable")
}

func (c *countingTransport) ChangeVisibility(ctx context.Context, receiptHandle string, visible time.Duration) error {
	c.visibilityCalls.Add(1)
	return c.MemoryTransport.ChangeVisibility(ctx, receiptHandle, visible)
}

func TestConsumer_ReceiveErrorWaitsPollingInterval(t *testing.T) {
	ct := newCountingTransport()
	settings := testSettings()
	settings.LongPollingIntervalSec = 2
	c := NewConsumer(settings, ct, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	c.Start()
	defer c.Stop(context.Background())

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), ct.receives.Load(),
		"a failed receive must wait the configured interval before retrying")
}

func TestConsumer_ChangeVisibilityGuards(t *testing.T) {
	ct := newCountingTransport()
	c := NewConsumer(testSettings(), ct, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	// Neither call may reach the transport.
	assert.NoError(t, c.changeVisibility(context.Background(), &Message{ReceiptHandle: ""}, time.Minute))
	assert.NoError(t, c.changeVisibility(context.Background(), &Message{ReceiptHandle: "rh"}, -time.Second))
	assert.Equal(t, int32(0), ct.visibilityCalls.Load())
}

func TestConsumer_TimeoutStopsWaiting(t *testing.T) {
	mt := NewMemoryTransport()
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	err := c.runWithTimeout(context.Background(), &DeliveryContext[BackfillPayload]{Log: zap.NewNop()}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConsumer_HandlerPanicBecomesError(t *testing.T) {
	mt := NewMemoryTransport()
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		panic("kaboom")
	}, nil, metrics.NewNop(), zap.NewNop())

	err := c.runWithTimeout(context.Background(), &DeliveryContext[BackfillPayload]{Log: zap.NewNop()}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestConsumer_StartIsIdempotent(t *testing.T) {
	mt := NewMemoryTransport()
	c := NewConsumer(testSettings(), mt, func(ctx context.Context, d *DeliveryContext[BackfillPayload]) error {
		return nil
	}, nil, metrics.NewNop(), zap.NewNop())

	c.Start()
	c.Start()
	assert.NoError(t, c.Stop(context.Background()))
	assert.NoError(t, c.Stop(context.Background()))
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, ExponentialBackoff(0))
	assert.Equal(t, 3*time.Minute, ExponentialBackoff(1))
	assert.Equal(t, 9*time.Minute, ExponentialBackoff(2))
	assert.Equal(t, 27*time.Minute, ExponentialBackoff(3))
}
