package store

import (
	"context"
	"time"
)

// Message is one pub/sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Store is the process-shared KV + event bus every component rides on.
//
// Readers degrade to "not present" when the substrate is unreachable so hot
// paths never have to branch on infrastructure errors; writers return the
// error after their retry budget is exhausted so callers can pick a fallback.
// Pub/sub is best-effort at-most-once: per-topic publish order is preserved
// for each subscriber, but a subscriber that was not listening at publish
// time never sees the message.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool)
	HGetAll(ctx context.Context, key string) map[string]string
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) error

	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, bool)
	LLen(ctx context.Context, key string) int64
	LRem(ctx context.Context, key string, count int64, value string) error

	Expire(ctx context.Context, key string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a delivery channel and a cancel func that closes it.
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, func())

	Close() error
}
