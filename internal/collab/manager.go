package collab

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"canvas_collab/pkg"
	"canvas_collab/src/model"
	"canvas_collab/src/storage"

	"github.com/rs/zerolog"
)

// Manager orchestrates the connection lifecycle of a process: attach,
// snapshot delivery, presence broadcast and teardown.
type Manager struct {
	registry *Registry
	throttle *ThrottleLedger
	relay    *Relay
	router   *Router
	now      func() time.Time
	log      zerolog.Logger
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces time.Now, for deterministic tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager wires registry, relay and router over store. Relay listeners
// stop when ctx is cancelled.
func NewManager(ctx context.Context, store storage.Store, config model.CollabConfig, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		throttle: NewThrottleLedger(config.CursorThrottle),
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.registry = NewRegistry(m.throttle)
	m.relay = NewRelay(ctx, store, RelayConfig{
		Prefix:                 config.ChannelPrefix,
		StateTTL:               config.StateTTL,
		Resubscribe:            config.Resubscribe,
		ResubscribeMaxInterval: config.ResubscribeMaxInterval,
	}, log.With().Str("component", "relay").Logger())
	m.router = NewRouter(m.registry, m.throttle, m.relay, m, m.nowFunc, log.With().Str("component", "router").Logger())
	return m
}

func (m *Manager) nowFunc() time.Time {
	return m.now()
}

// Registry exposes the local bookkeeping
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Relay exposes the cross-process relay
func (m *Manager) Relay() *Relay {
	return m.relay
}

// Connect attaches an accepted socket and returns its connection id, which
// must be passed back to Disconnect.
func (m *Manager) Connect(ctx context.Context, projectID, userID string, socket Socket) string {
	log := m.log.With().Str("project_id", projectID).Str("user_id", userID).Logger()

	connID, displaced := m.registry.Add(projectID, userID, socket, m.now().UnixMilli())
	if displaced != nil {
		// Replaced silently; the old reader's Disconnect no longer matches
		_ = displaced.Socket.Close()
		if err := m.relay.RemovePresence(ctx, projectID, userID, displaced.ConnID); err != nil {
			log.Warn().Err(err).Msg("failed to remove displaced presence")
		}
		log.Debug().Msg("displaced previous connection")
	}

	if record, ok := m.registry.PresenceOf(projectID, userID); ok {
		if err := m.relay.SetPresence(ctx, projectID, connID, record); err != nil {
			log.Warn().Err(err).Msg("failed to share presence")
		}
	}

	m.relay.StartListener(projectID, m)
	m.BroadcastPresence(ctx, projectID)
	m.sendInitialState(ctx, projectID, userID, connID, socket, log)

	log.Info().Str("conn_id", connID).Msg("connection established")
	return connID
}

// Disconnect tears down (projectID, userID) if connID still owns it
func (m *Manager) Disconnect(ctx context.Context, projectID, userID, connID string) {
	removed, remaining := m.registry.Remove(projectID, userID, connID)
	if !removed {
		return
	}
	log := m.log.With().Str("project_id", projectID).Str("user_id", userID).Logger()

	if err := m.relay.RemovePresence(ctx, projectID, userID, connID); err != nil {
		log.Warn().Err(err).Msg("failed to remove shared presence")
	}

	if remaining == 0 {
		if err := m.relay.ClearState(ctx, projectID); err != nil {
			log.Warn().Err(err).Msg("failed to clear project snapshot")
		}
	}

	data, err := pkg.Encode(pkg.Outbound{
		Type:      pkg.TypeUserDisconnected,
		UserID:    userID,
		Timestamp: m.now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode disconnect notice")
	} else {
		m.relay.Publish(ctx, data, projectID, "")
	}

	m.BroadcastPresence(ctx, projectID)
	log.Info().Int("remaining", remaining).Msg("connection closed")
}

// Handle routes one inbound message
func (m *Manager) Handle(ctx context.Context, raw []byte, projectID, userID string) {
	m.router.Handle(ctx, raw, projectID, userID)
}

// BroadcastPresence sends CONNECTED_USERS to every local socket of the
// project. Sockets that fail are disconnected after the others were served.
func (m *Manager) BroadcastPresence(ctx context.Context, projectID string) {
	peers := m.registry.Peers(projectID)
	if len(peers) == 0 {
		return
	}

	data, err := pkg.Encode(pkg.Outbound{
		Type:      pkg.TypeConnectedUsers,
		Timestamp: m.now().UnixMilli(),
		Payload:   m.presenceList(ctx, projectID),
	})
	if err != nil {
		m.log.Error().Err(err).Str("project_id", projectID).Msg("failed to encode presence list")
		return
	}

	var failed []Peer
	for _, peer := range peers {
		if err := peer.Socket.Send(ctx, data); err != nil {
			m.log.Warn().Err(err).Str("project_id", projectID).Str("user_id", peer.UserID).Msg("presence send failed")
			failed = append(failed, peer)
		}
	}
	for _, peer := range failed {
		m.Disconnect(ctx, projectID, peer.UserID, peer.ConnID)
	}
}

// LocalUsers implements Peers
func (m *Manager) LocalUsers(projectID string) []string {
	return m.registry.UserIDs(projectID)
}

// Deliver implements Peers: a failed send disconnects that socket only
func (m *Manager) Deliver(ctx context.Context, projectID, userID string, message []byte) {
	peer, ok := m.registry.Peer(projectID, userID)
	if !ok {
		return
	}
	if err := peer.Socket.Send(ctx, message); err != nil {
		m.log.Warn().Err(err).Str("project_id", projectID).Str("user_id", userID).Msg("relay delivery failed")
		m.Disconnect(ctx, projectID, userID, peer.ConnID)
	}
}

// Wait blocks until every relay listener has stopped
func (m *Manager) Wait() {
	m.relay.Wait()
}

// ====================== Private Methods ======================

// presenceList merges the shared view with local records; local records win
// and the list falls back to local-only when the store cannot be read.
func (m *Manager) presenceList(ctx context.Context, projectID string) []pkg.PresenceRecord {
	local := m.registry.Presence(projectID)

	shared, err := m.relay.ListPresence(ctx, projectID)
	if err != nil {
		m.log.Warn().Err(err).Str("project_id", projectID).Msg("shared presence unavailable, using local view")
		return local
	}

	localIDs := make(map[string]struct{}, len(local))
	for _, record := range local {
		localIDs[record.UserID] = struct{}{}
	}

	merged := local
	for _, record := range shared {
		if _, isLocal := localIDs[record.UserID]; !isLocal {
			merged = append(merged, record)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].UserID < merged[j].UserID })
	return merged
}

func (m *Manager) sendInitialState(ctx context.Context, projectID, userID, connID string, socket Socket, log zerolog.Logger) {
	state, err := m.relay.GetState(ctx, projectID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load project snapshot")
		return
	}
	if state == nil {
		return
	}

	data, err := pkg.Encode(pkg.Outbound{
		Type:      pkg.TypeInitialState,
		Timestamp: m.now().UnixMilli(),
		Payload:   json.RawMessage(state),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode initial state")
		return
	}
	if err := socket.Send(ctx, data); err != nil {
		log.Warn().Err(err).Msg("initial state send failed")
		m.Disconnect(ctx, projectID, userID, connID)
	}
}
