package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis
type RedisStore struct {
	client *redis.Client
	// embedded is the in-process server behind NewEmbeddedStore, nil otherwise
	embedded *miniredis.Miniredis
}

// NewRedisStore creates a new Redis store instance from a redis:// URL
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewEmbeddedStore starts an in-process Redis server and connects to it.
// State is private to this process; use it for single-node development.
func NewEmbeddedStore(ctx context.Context) (*RedisStore, error) {
	server := miniredis.NewMiniRedis()
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded Redis: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		server.Close()
		return nil, fmt.Errorf("failed to connect to embedded Redis: %w", err)
	}

	return &RedisStore{client: client, embedded: server}, nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a value, returning ErrNotFound when the key is absent
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Set stores a value with TTL
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// HSet writes a hash field and refreshes the hash TTL in one transaction
func (r *RedisStore) HSet(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, value)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to hset %s/%s: %w", key, field, err)
	}
	return nil
}

// HDel removes a hash field
func (r *RedisStore) HDel(ctx context.Context, key, field string) error {
	if err := r.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("failed to hdel %s/%s: %w", key, field, err)
	}
	return nil
}

// HGetAll returns every field of a hash; a missing hash is an empty map
func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to hgetall %s: %w", key, err)
	}

	out := make(map[string][]byte, len(fields))
	for field, value := range fields {
		out[field] = []byte(value)
	}
	return out, nil
}

// Publish sends a message to a topic
func (r *RedisStore) Publish(ctx context.Context, topic string, message []byte) error {
	if err := r.client.Publish(ctx, topic, message).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a subscription and waits for the server confirmation
func (r *RedisStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)

	// Receive the subscription confirmation before handing it out
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return &redisSubscription{ps: ps}, nil
}

// Ping tests Redis connection
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection and stops the embedded server, if any
func (r *RedisStore) Close() error {
	err := r.client.Close()
	if r.embedded != nil {
		r.embedded.Close()
	}
	return err
}

type redisSubscription struct {
	ps *redis.PubSub
}

// Receive waits for the next message. go-redis only honors deadlines while
// blocked on the socket, so a cancelled ctx closes the subscription.
func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.ps.Close() })
	defer stop()

	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrSubscriptionClosed
		}
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
