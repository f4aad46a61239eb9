package collab

import (
	"encoding/json"
	"testing"
	"time"

	"canvas_collab/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewThrottleLedger(3 * time.Millisecond))
}

func TestRegistryAddRemove(t *testing.T) {
	registry := newTestRegistry()
	a, b := &fakeSocket{}, &fakeSocket{}

	connA, displaced := registry.Add("p1", "u1", a, 100)
	assert.NotEmpty(t, connA)
	assert.Nil(t, displaced)
	connB, _ := registry.Add("p1", "u2", b, 100)

	assert.Equal(t, 2, registry.Count("p1"))
	assert.ElementsMatch(t, []string{"u1", "u2"}, registry.UserIDs("p1"))

	peer, ok := registry.Peer("p1", "u1")
	require.True(t, ok)
	assert.Equal(t, connA, peer.ConnID)
	assert.Same(t, a, peer.Socket)

	removed, remaining := registry.Remove("p1", "u1", connA)
	assert.True(t, removed)
	assert.Equal(t, 1, remaining)

	_, ok = registry.PresenceOf("p1", "u1")
	assert.False(t, ok, "presence goes with the connection")

	removed, remaining = registry.Remove("p1", "u2", connB)
	assert.True(t, removed)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 0, registry.Count("p1"))
	assert.Empty(t, registry.Peers("p1"))
}

func TestRegistryRemoveUnknown(t *testing.T) {
	registry := newTestRegistry()

	removed, remaining := registry.Remove("nope", "u1", "c1")
	assert.False(t, removed)
	assert.Equal(t, 0, remaining)

	conn, _ := registry.Add("p1", "u1", &fakeSocket{}, 100)
	removed, remaining = registry.Remove("p1", "u2", conn)
	assert.False(t, removed)
	assert.Equal(t, 1, remaining)
}

func TestRegistryReplaceConnection(t *testing.T) {
	registry := newTestRegistry()
	old, fresh := &fakeSocket{}, &fakeSocket{}

	oldConn, _ := registry.Add("p1", "u1", old, 100)
	registry.UpdatePresence("p1", "u1", func(p *pkg.PresenceRecord) { p.Username = "Ann" })

	newConn, displaced := registry.Add("p1", "u1", fresh, 200)
	assert.NotEqual(t, oldConn, newConn)
	require.NotNil(t, displaced)
	assert.Same(t, old, displaced.Socket)
	assert.Equal(t, oldConn, displaced.ConnID)
	assert.Equal(t, 1, registry.Count("p1"))

	record, ok := registry.PresenceOf("p1", "u1")
	require.True(t, ok)
	assert.Equal(t, "User u1", record.Username, "replacement starts from a fresh record")
	assert.Equal(t, int64(200), record.LastActive)

	// The displaced connection's teardown must not remove the new one
	removed, _ := registry.Remove("p1", "u1", oldConn)
	assert.False(t, removed)
	assert.Equal(t, 1, registry.Count("p1"))
}

func TestRegistryPresence(t *testing.T) {
	registry := newTestRegistry()
	registry.Add("p1", "zed", &fakeSocket{}, 100)
	registry.Add("p1", "amy", &fakeSocket{}, 100)

	record, ok := registry.UpdatePresence("p1", "zed", func(p *pkg.PresenceRecord) {
		p.CursorPosition = json.RawMessage(`{"x":1,"y":2}`)
		p.LastActive = 150
	})
	require.True(t, ok)
	assert.Equal(t, "zed", record.UserID)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(record.CursorPosition))

	records := registry.Presence("p1")
	require.Len(t, records, 2)
	assert.Equal(t, "amy", records[0].UserID)
	assert.Equal(t, "zed", records[1].UserID)
	assert.Equal(t, int64(150), records[1].LastActive)

	_, ok = registry.UpdatePresence("p1", "ghost", func(*pkg.PresenceRecord) {})
	assert.False(t, ok)

	empty := registry.Presence("other")
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestRegistryResetsThrottleOnConnect(t *testing.T) {
	throttle := NewThrottleLedger(time.Hour)
	registry := NewRegistry(throttle)

	registry.Add("p1", "u1", &fakeSocket{}, 100)
	assert.True(t, throttle.Allow("p1", pkg.TypeCursorPosition, "u1", 100))
	assert.False(t, throttle.Allow("p1", pkg.TypeCursorPosition, "u1", 101))

	registry.Add("p1", "u1", &fakeSocket{}, 102)
	assert.True(t, throttle.Allow("p1", pkg.TypeCursorPosition, "u1", 102))
}
