package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canvas_collab/pkg"
	"canvas_collab/src/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// testStore is a Redis store over miniredis that remembers the
// subscriptions it opened so tests can cut them
type testStore struct {
	storage.Store
	server *miniredis.Miniredis

	mu   sync.Mutex
	subs map[string][]storage.Subscription
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	server := miniredis.RunT(t)
	store := storage.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return &testStore{Store: store, server: server, subs: make(map[string][]storage.Subscription)}
}

func (s *testStore) Subscribe(ctx context.Context, topic string) (storage.Subscription, error) {
	sub, err := s.Store.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subs[topic] = append(s.subs[topic], sub)
	s.mu.Unlock()
	return sub, nil
}

// setUnavailable makes every command fail until called with false
func (s *testStore) setUnavailable(down bool) {
	if down {
		s.server.SetError("ERR store unavailable")
		return
	}
	s.server.SetError("")
}

// dropSubscribers closes every subscription opened on topic so far
func (s *testStore) dropSubscribers(topic string) {
	s.mu.Lock()
	subs := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

var errSendFailed = errors.New("send failed")

type fakeSocket struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
}

func (s *fakeSocket) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errSendFailed
	}
	s.messages = append(s.messages, append([]byte(nil), message...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.messages...)
}

// ofType returns every received message with the given type
func (s *fakeSocket) ofType(t pkg.MessageType) [][]byte {
	var out [][]byte
	for _, message := range s.all() {
		if gjson.GetBytes(message, "type").String() == string(t) {
			out = append(out, message)
		}
	}
	return out
}

func (s *fakeSocket) count(t pkg.MessageType) int {
	return len(s.ofType(t))
}

func (s *fakeSocket) last(t pkg.MessageType) []byte {
	messages := s.ofType(t)
	if len(messages) == 0 {
		return nil
	}
	return messages[len(messages)-1]
}

func (s *fakeSocket) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// waitFor polls cond until it holds
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// settle gives relay listeners time to deliver anything still in flight
func settle() {
	time.Sleep(50 * time.Millisecond)
}

// stepClock is a manually advanced clock
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
