package collab

import (
	"context"
	"time"

	"canvas_collab/pkg"

	"github.com/rs/zerolog"
)

// presenceBroadcaster sends the current presence list to local sockets
type presenceBroadcaster interface {
	BroadcastPresence(ctx context.Context, projectID string)
}

// Router decodes inbound client messages and applies their side effects
type Router struct {
	registry *Registry
	throttle *ThrottleLedger
	relay    *Relay
	presence presenceBroadcaster
	now      func() time.Time
	log      zerolog.Logger
}

// NewRouter creates a router over the given registry and relay
func NewRouter(registry *Registry, throttle *ThrottleLedger, relay *Relay, presence presenceBroadcaster, now func() time.Time, log zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		throttle: throttle,
		relay:    relay,
		presence: presence,
		now:      now,
		log:      log,
	}
}

// Handle processes one raw message received from userID. Malformed messages
// are logged and dropped; nothing is ever returned to the caller.
func (rt *Router) Handle(ctx context.Context, raw []byte, projectID, userID string) {
	now := rt.now().UnixMilli()
	in, err := pkg.Decode(raw, now)
	if err != nil {
		rt.log.Warn().Err(err).
			Str("project_id", projectID).
			Str("user_id", userID).
			Int("size", len(raw)).
			Msg("dropping malformed message")
		return
	}

	log := rt.log.With().
		Str("project_id", projectID).
		Str("user_id", userID).
		Str("type", string(in.Type)).
		Logger()

	switch msg := in.Message.(type) {
	case pkg.UserConnected:
		rt.handleUserConnected(ctx, in, msg, projectID, userID, log)

	case pkg.CursorPosition:
		if !rt.throttle.Allow(projectID, pkg.TypeCursorPosition, userID, now) {
			return
		}
		rt.registry.UpdatePresence(projectID, userID, func(p *pkg.PresenceRecord) {
			p.CursorPosition = msg.Position
			p.LastActive = in.Timestamp
		})
		rt.relay.Publish(ctx, in.Raw, projectID, userID)

	case pkg.ActiveComponent:
		rt.updateAndShare(ctx, projectID, userID, log, func(p *pkg.PresenceRecord) {
			p.CurrentComponent = msg.ComponentID
			p.LastActive = in.Timestamp
		})
		rt.relay.Publish(ctx, in.Raw, projectID, userID)

	case pkg.CanvasResize:
		rt.updateAndShare(ctx, projectID, userID, log, func(p *pkg.PresenceRecord) {
			p.CanvasSize = msg.Size
			p.LastActive = in.Timestamp
		})
		rt.relay.Publish(ctx, in.Raw, projectID, userID)
		// Acknowledged although nothing was saved; clients rely on it
		rt.acknowledgeSave(ctx, in, projectID, userID, log)

	case pkg.SaveProject:
		if msg.FullState == nil {
			log.Debug().Msg("save request without full state ignored")
			return
		}
		rt.persist(ctx, projectID, msg.FullState, log)

	case pkg.PageChange:
		if msg.FullState != nil {
			rt.persist(ctx, projectID, msg.FullState, log)
		}
		rt.relay.Publish(ctx, in.Raw, projectID, userID)
		rt.acknowledgeSave(ctx, in, projectID, userID, log)

	case pkg.ComponentChange:
		if msg.FullState != nil {
			rt.persist(ctx, projectID, msg.FullState, log)
		}
		rt.relay.Publish(ctx, in.Raw, projectID, userID)

	default:
		rt.relay.Publish(ctx, in.Raw, projectID, userID)
	}
}

// ====================== Private Methods ======================

func (rt *Router) handleUserConnected(ctx context.Context, in *pkg.Inbound, msg pkg.UserConnected, projectID, userID string, log zerolog.Logger) {
	record, ok := rt.updateAndShare(ctx, projectID, userID, log, func(p *pkg.PresenceRecord) {
		if msg.Username != "" {
			p.Username = msg.Username
		}
		if msg.Color != "" {
			p.Color = msg.Color
		}
		p.LastActive = in.Timestamp
	})
	if !ok {
		log.Debug().Msg("presence update for unregistered user")
		return
	}

	rt.presence.BroadcastPresence(ctx, projectID)

	data, err := pkg.Encode(pkg.Outbound{
		Type:      pkg.TypeUserConnected,
		UserID:    userID,
		Timestamp: in.Timestamp,
		Payload:   record,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode presence")
		return
	}
	rt.relay.Publish(ctx, data, projectID, userID)
}

// updateAndShare mutates the local presence record and replicates it to the shared view
func (rt *Router) updateAndShare(ctx context.Context, projectID, userID string, log zerolog.Logger, mutate func(*pkg.PresenceRecord)) (pkg.PresenceRecord, bool) {
	record, ok := rt.registry.UpdatePresence(projectID, userID, mutate)
	if !ok {
		return record, false
	}
	peer, ok := rt.registry.Peer(projectID, userID)
	if !ok {
		return record, true
	}
	if err := rt.relay.SetPresence(ctx, projectID, peer.ConnID, record); err != nil {
		log.Warn().Err(err).Msg("failed to share presence")
	}
	return record, true
}

func (rt *Router) persist(ctx context.Context, projectID string, state []byte, log zerolog.Logger) {
	if err := rt.relay.SetState(ctx, projectID, state); err != nil {
		log.Error().Err(err).Msg("failed to save project snapshot")
		return
	}
	log.Debug().Int("size", len(state)).Msg("project snapshot saved")
}

func (rt *Router) acknowledgeSave(ctx context.Context, in *pkg.Inbound, projectID, userID string, log zerolog.Logger) {
	data, err := pkg.Encode(pkg.Outbound{
		Type:      pkg.TypeProjectSaved,
		UserID:    userID,
		Timestamp: in.Timestamp,
		Payload:   pkg.ProjectSavedPayload{Trigger: in.Type},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode save acknowledgment")
		return
	}
	rt.relay.Publish(ctx, data, projectID, userID)
}
