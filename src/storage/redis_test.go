package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNewRedisStoreErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewRedisStore(ctx, "")
	assert.Error(t, err)

	_, err = NewRedisStore(ctx, "not-a-url://")
	assert.Error(t, err)
}

func TestRedisStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	_, err := store.Get(ctx, "project:p1:state")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "project:p1:state", []byte(`{"pages":[]}`), time.Hour))
	value, err := store.Get(ctx, "project:p1:state")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pages":[]}`, string(value))
	assert.Equal(t, time.Hour, mr.TTL("project:p1:state"))

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, "project:p1:state")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, store.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))
}

func TestRedisStoreHash(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	require.NoError(t, store.HSet(ctx, "project:p1:presence", "u1", []byte(`{"userId":"u1"}`), time.Minute))
	require.NoError(t, store.HSet(ctx, "project:p1:presence", "u2", []byte(`{"userId":"u2"}`), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("project:p1:presence"))

	fields, err := store.HGetAll(ctx, "project:p1:presence")
	require.NoError(t, err)
	assert.Len(t, fields, 2)
	assert.JSONEq(t, `{"userId":"u2"}`, string(fields["u2"]))

	require.NoError(t, store.HDel(ctx, "project:p1:presence", "u1"))
	fields, err = store.HGetAll(ctx, "project:p1:presence")
	require.NoError(t, err)
	assert.Len(t, fields, 1)

	fields, err = store.HGetAll(ctx, "project:none:presence")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestRedisStorePubSub(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, _ := newTestRedisStore(t)

	sub, err := store.Subscribe(ctx, "project:p1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "project:p1", []byte(`{"type":"ADD_PAGE"}`)))

	message, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ADD_PAGE"}`, string(message))
}

func TestRedisStorePing(t *testing.T) {
	store, mr := newTestRedisStore(t)
	assert.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestRedisStoreFromClient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer store.Close()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Zero(t, mr.TTL("k"), "zero ttl keeps the key")
}

func TestRedisSubscriptionReceiveHonorsCancel(t *testing.T) {
	store, _ := newTestRedisStore(t)

	sub, err := store.Subscribe(context.Background(), "project:p1")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sub.Receive(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestEmbeddedStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewEmbeddedStore(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "project:p1:state", []byte(`{}`), time.Minute))
	value, err := store.Get(ctx, "project:p1:state")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), value)

	require.NoError(t, store.Close())
	assert.Error(t, store.Ping(ctx))
}

func TestRedisSubscriptionReceiveAfterClose(t *testing.T) {
	store, _ := newTestRedisStore(t)

	sub, err := store.Subscribe(context.Background(), "project:p1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = sub.Receive(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}
