// Package transport abstracts the durable store the notification layer runs on:
// pub/sub channels, hashes for client and task snapshots, sets for membership
// and lists for bounded replay queues. Redis is the durable implementation and
// Memory is the in-process fallback with the same contract.
package transport

import (
	"context"
	"time"
)

// Message is one payload received on a subscribed channel
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a growable set of subscribed channels with a single stream
// of messages. Messages of one channel arrive in publish order.
type Subscription interface {
	Messages() <-chan Message
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Close() error
}

// Transport is the durable store contract
type Transport interface {
	Name() string
	Ping(ctx context.Context) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	HSet(ctx context.Context, key string, values map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	RPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LPopAll removes the list at key and returns its elements in one step
	LPopAll(ctx context.Context, key string) ([]string, error)

	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// SubscriptionBuffer is the number of received messages a subscription holds
// before the reader falls behind
const SubscriptionBuffer = 256
