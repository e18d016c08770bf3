package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryMessage struct {
	id           string
	body         string
	receiveCount int
	sentAt       time.Time

	// visibleAt is when the message may next be delivered.
	visibleAt time.Time

	deleted bool
}

// MemoryTransport is an in-process Transport for tests and local
// development. It honors delays, leases and receive counts the same way the
// broker-backed transports do.
type MemoryTransport struct {
	mu       sync.Mutex
	messages []*memoryMessage

	clock func() time.Time
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{clock: time.Now}
}

func (t *MemoryTransport) Send(_ context.Context, body string, delay time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	msg := &memoryMessage{
		id:        uuid.NewString(),
		body:      body,
		sentAt:    now,
		visibleAt: now.Add(delay),
	}
	t.messages = append(t.messages, msg)
	return msg.id, nil
}

func (t *MemoryTransport) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := t.clock().Add(wait)
	for {
		if msg := t.tryReceive(); msg != nil {
			return msg, nil
		}
		if !t.clock().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (t *MemoryTransport) tryReceive() *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	for _, msg := range t.messages {
		if msg.deleted || msg.visibleAt.After(now) {
			continue
		}
		msg.receiveCount++
		msg.visibleAt = now.Add(defaultVisibility)
		return &Message{
			ID:            msg.id,
			ReceiptHandle: msg.id,
			Body:          msg.body,
			ReceiveCount:  msg.receiveCount,
			SentAt:        msg.sentAt,
		}
	}
	return nil
}

func (t *MemoryTransport) Delete(_ context.Context, receiptHandle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range t.messages {
		if msg.id == receiptHandle {
			msg.deleted = true
		}
	}
	return nil
}

func (t *MemoryTransport) ChangeVisibility(_ context.Context, receiptHandle string, visible time.Duration) error {
	if receiptHandle == "" || visible < 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range t.messages {
		if msg.id == receiptHandle {
			msg.visibleAt = t.clock().Add(visible)
		}
	}
	return nil
}

func (t *MemoryTransport) Purge(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	return nil
}

func (t *MemoryTransport) MessageCount(_ context.Context) (int, error) {
	return t.Size(), nil
}

// Size reports how many undeleted messages the transport holds, visible or
// not.
func (t *MemoryTransport) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, msg := range t.messages {
		if !msg.deleted {
			n++
		}
	}
	return n
}

// SetClock replaces the time source. Test use only.
func (t *MemoryTransport) SetClock(clock func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
}
