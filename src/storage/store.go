package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired
	ErrNotFound = errors.New("key not found")
	// ErrSubscriptionClosed is returned by Subscription.Receive after Close
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Store is the ephemeral shared state store: keys with expiry plus topic pub/sub.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// HSet writes one hash field and (re)sets the expiry of the whole hash
	HSet(ctx context.Context, key, field string, value []byte, ttl time.Duration) error
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	Publish(ctx context.Context, topic string, message []byte) error
	// Subscribe returns once the subscription is active, so a Publish issued
	// after it returns is guaranteed to be observed.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription is an active topic subscription
type Subscription interface {
	// Receive blocks until the next message arrives, ctx is done, or the
	// subscription fails. Once ctx is done the subscription is unusable.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
