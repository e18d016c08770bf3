package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/snowflake"
)

// defaultVisibility is the lease a freshly received message holds until the
// consumer extends it.
const defaultVisibility = 30 * time.Second

// RedisTransport backs a queue with Redis. Ready messages live in a list,
// delayed and in-flight messages in sorted sets scored by the time they
// become visible, and message state in one hash per message.
type RedisTransport struct {
	rdb  redis.UniversalClient
	node *snowflake.Node
	name string
}

func NewRedisTransport(rdb redis.UniversalClient, node *snowflake.Node, name string) *RedisTransport {
	return &RedisTransport{rdb: rdb, node: node, name: name}
}

func (t *RedisTransport) readyKey() string    { return "queue:" + t.name + ":ready" }
func (t *RedisTransport) delayedKey() string  { return "queue:" + t.name + ":delayed" }
func (t *RedisTransport) inflightKey() string { return "queue:" + t.name + ":inflight" }
func (t *RedisTransport) msgKey(id string) string {
	return "queue:" + t.name + ":msg:" + id
}

func (t *RedisTransport) Send(ctx context.Context, body string, delay time.Duration) (string, error) {
	id := t.node.Generate().String()
	now := time.Now()

	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, t.msgKey(id), map[string]any{
		"body":         body,
		"receiveCount": 0,
		"sentAt":       now.UnixMilli(),
	})
	if delay > 0 {
		pipe.ZAdd(ctx, t.delayedKey(), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, t.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis send: %w", err)
	}
	return id, nil
}

func (t *RedisTransport) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	if err := t.promoteDue(ctx, t.delayedKey()); err != nil {
		return nil, err
	}
	if err := t.promoteDue(ctx, t.inflightKey()); err != nil {
		return nil, err
	}

	res, err := t.rdb.BLPop(ctx, wait, t.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis receive: %w", err)
	}
	id := res[1]

	pipe := t.rdb.TxPipeline()
	count := pipe.HIncrBy(ctx, t.msgKey(id), "receiveCount", 1)
	fields := pipe.HMGet(ctx, t.msgKey(id), "body", "sentAt")
	pipe.ZAdd(ctx, t.inflightKey(), redis.Z{
		Score:  float64(time.Now().Add(defaultVisibility).UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis receive: %w", err)
	}

	vals := fields.Val()
	msg := &Message{
		ID:            id,
		ReceiptHandle: id,
		ReceiveCount:  int(count.Val()),
	}
	if s, ok := vals[0].(string); ok {
		msg.Body = s
	}
	if s, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			msg.SentAt = time.UnixMilli(ms)
		}
	}
	return msg, nil
}

// promoteDue moves members whose visibility time has passed back onto the
// ready list.
func (t *RedisTransport) promoteDue(ctx context.Context, key string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := t.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("redis promote: %w", err)
	}
	for _, id := range ids {
		pipe := t.rdb.TxPipeline()
		removed := pipe.ZRem(ctx, key, id)
		pipe.RPush(ctx, t.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis promote: %w", err)
		}
		// A competing consumer may have promoted it first; the push is
		// then a duplicate, which at-least-once delivery tolerates.
		_ = removed
	}
	return nil
}

func (t *RedisTransport) Delete(ctx context.Context, receiptHandle string) error {
	pipe := t.rdb.TxPipeline()
	pipe.ZRem(ctx, t.inflightKey(), receiptHandle)
	pipe.ZRem(ctx, t.delayedKey(), receiptHandle)
	pipe.LRem(ctx, t.readyKey(), 0, receiptHandle)
	pipe.Del(ctx, t.msgKey(receiptHandle))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (t *RedisTransport) ChangeVisibility(ctx context.Context, receiptHandle string, visible time.Duration) error {
	if receiptHandle == "" || visible < 0 {
		return nil
	}
	score := float64(time.Now().Add(visible).UnixMilli())
	if err := t.rdb.ZAdd(ctx, t.inflightKey(), redis.Z{Score: score, Member: receiptHandle}).Err(); err != nil {
		return fmt.Errorf("redis change visibility: %w", err)
	}
	return nil
}

func (t *RedisTransport) MessageCount(ctx context.Context) (int, error) {
	pipe := t.rdb.TxPipeline()
	ready := pipe.LLen(ctx, t.readyKey())
	delayed := pipe.ZCard(ctx, t.delayedKey())
	inflight := pipe.ZCard(ctx, t.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis message count: %w", err)
	}
	return int(ready.Val() + delayed.Val() + inflight.Val()), nil
}

func (t *RedisTransport) Purge(ctx context.Context) error {
	var ids []string
	for _, key := range []string{t.delayedKey(), t.inflightKey()} {
		members, err := t.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("redis purge: %w", err)
		}
		ids = append(ids, members...)
	}
	ready, err := t.rdb.LRange(ctx, t.readyKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis purge: %w", err)
	}
	ids = append(ids, ready...)

	pipe := t.rdb.TxPipeline()
	pipe.Del(ctx, t.readyKey(), t.delayedKey(), t.inflightKey())
	for _, id := range ids {
		pipe.Del(ctx, t.msgKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis purge: %w", err)
	}
	return nil
}
