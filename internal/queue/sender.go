package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
)

// Sender enqueues payloads onto one queue. It exists separately from the
// consumer so producers (the orchestrator, webhook ingestion) can send
// without holding the consuming side.
type Sender[T Payload] struct {
	name      string
	transport Transport
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewSender[T Payload](name string, transport Transport, m *metrics.Metrics, log *zap.Logger) *Sender[T] {
	return &Sender[T]{
		name:      name,
		transport: transport,
		metrics:   m,
		log:       log.Named("queue").With(zap.String("queue", name)),
	}
}

// SendMessage enqueues a payload with an optional delay. Delays at or above
// the broker ceiling are clamped just under it.
func (s *Sender[T]) SendMessage(ctx context.Context, payload T, delay time.Duration) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return s.sendRaw(ctx, string(body), delay)
}

func (s *Sender[T]) sendRaw(ctx context.Context, body string, delay time.Duration) (string, error) {
	if delay >= maxDelay {
		s.log.Warn("delay clamped to broker ceiling", zap.Duration("requested", delay))
		delay = maxDelay - time.Second
	}
	if delay < 0 {
		delay = 0
	}
	id, err := s.transport.Send(ctx, body, delay)
	if err != nil {
		return "", err
	}
	s.metrics.QueueSent.WithLabelValues(s.name).Inc()
	s.log.Debug("message sent", zap.String("messageId", id), zap.Duration("delay", delay))
	return id, nil
}
