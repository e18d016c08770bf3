package queue

import (
	"context"
	"time"
)

// Transport is the broker side of a queue: at-least-once delivery with a
// per-message lease. Receive blocks for up to wait and returns zero or one
// message; a received message stays invisible until its lease expires,
// ChangeVisibility moves the lease, and Delete settles the message for good.
type Transport interface {
	Send(ctx context.Context, body string, delay time.Duration) (messageID string, err error)

	Receive(ctx context.Context, wait time.Duration) (*Message, error)

	Delete(ctx context.Context, receiptHandle string) error

	// ChangeVisibility reschedules the message to become visible again
	// after the given duration.
	ChangeVisibility(ctx context.Context, receiptHandle string, visible time.Duration) error

	// MessageCount reports how many messages the queue holds, delayed and
	// in flight included. Broker-backed counts are approximate.
	MessageCount(ctx context.Context) (int, error)

	// Purge drops every message, delayed and in flight included. Test
	// and tooling use only.
	Purge(ctx context.Context) error
}
