package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"canvas_collab/pkg"
	"canvas_collab/src/storage"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Peers is the local side of a project as seen by a relay listener
type Peers interface {
	LocalUsers(projectID string) []string
	Deliver(ctx context.Context, projectID, userID string, message []byte)
}

// RelayConfig holds key naming and retry settings
type RelayConfig struct {
	Prefix                 string
	StateTTL               time.Duration
	Resubscribe            bool
	ResubscribeMaxInterval time.Duration
}

// Relay bridges the shared store's pub/sub topic of each project to the
// connections of this process. One listener runs per project per process.
type Relay struct {
	store  storage.Store
	config RelayConfig
	log    zerolog.Logger

	ctx       context.Context
	mu        sync.Mutex
	listeners map[string]*listener
	wg        sync.WaitGroup
}

type listener struct {
	peers Peers
	alive bool
}

// NewRelay creates a relay whose listeners live until ctx is cancelled
func NewRelay(ctx context.Context, store storage.Store, config RelayConfig, log zerolog.Logger) *Relay {
	return &Relay{
		store:     store,
		config:    config,
		log:       log,
		ctx:       ctx,
		listeners: make(map[string]*listener),
	}
}

func (r *Relay) topic(projectID string) string {
	return r.config.Prefix + ":" + projectID
}

func (r *Relay) stateKey(projectID string) string {
	return r.topic(projectID) + ":state"
}

func (r *Relay) presenceKey(projectID string) string {
	return r.topic(projectID) + ":presence"
}

// Publish sends message to every process listening on the project. A
// non-empty excludeUserID is stamped as the message's "userId" and skipped
// by every listener; an empty one reaches everybody. Failures are logged
// and swallowed.
//
// Once this process's listener for the project has died, local peers are
// served directly so the project keeps local-only delivery.
func (r *Relay) Publish(ctx context.Context, message []byte, projectID, excludeUserID string) {
	if excludeUserID != "" {
		patched, err := pkg.WithUserID(message, excludeUserID)
		if err != nil {
			r.log.Warn().Err(err).Str("project_id", projectID).Msg("failed to tag relay message")
			return
		}
		message = patched
	}

	frame, err := encodeFrame(message, excludeUserID)
	if err != nil {
		r.log.Warn().Err(err).Str("project_id", projectID).Msg("failed to frame relay message")
		return
	}
	if err := r.store.Publish(ctx, r.topic(projectID), frame); err != nil {
		r.log.Error().Err(err).Str("project_id", projectID).Msg("relay publish failed")
	}

	r.mu.Lock()
	l, exists := r.listeners[projectID]
	dead := exists && !l.alive
	r.mu.Unlock()
	if dead {
		r.fanOut(projectID, message, excludeUserID, l.peers)
	}
}

// encodeFrame wraps a client message with the user that must not receive it
func encodeFrame(message []byte, excludeUserID string) ([]byte, error) {
	frame, err := sjson.SetBytes([]byte(`{}`), "exclude", excludeUserID)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(frame, "message", message)
}

func decodeFrame(frame []byte) ([]byte, string, error) {
	message := gjson.GetBytes(frame, "message")
	if !message.IsObject() {
		return nil, "", errors.New("relay frame has no message")
	}
	return []byte(message.Raw), gjson.GetBytes(frame, "exclude").String(), nil
}

// StartListener subscribes this process to the project topic unless it
// already is. The subscription is active when StartListener returns.
func (r *Relay) StartListener(projectID string, peers Peers) {
	r.mu.Lock()
	if _, exists := r.listeners[projectID]; exists {
		r.mu.Unlock()
		return
	}
	l := &listener{peers: peers, alive: true}
	r.listeners[projectID] = l
	r.mu.Unlock()

	sub, err := r.store.Subscribe(r.ctx, r.topic(projectID))
	if err != nil {
		// Not listening; let the next connect try again
		r.mu.Lock()
		delete(r.listeners, projectID)
		r.mu.Unlock()
		r.log.Error().Err(err).Str("project_id", projectID).Msg("relay subscribe failed")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.listen(projectID, sub, peers)

		// No automatic restart: the entry stays so later connects do not resubscribe
		r.mu.Lock()
		l.alive = false
		r.mu.Unlock()
	}()
	r.log.Debug().Str("project_id", projectID).Msg("relay listener started")
}

// Listening reports whether a live listener serves the project
func (r *Relay) Listening(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, exists := r.listeners[projectID]
	return exists && l.alive
}

// Wait blocks until every listener has returned
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) listen(projectID string, sub storage.Subscription, peers Peers) {
	log := r.log.With().Str("project_id", projectID).Logger()
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()

	for {
		message, err := sub.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("relay subscription failed")
			if !r.config.Resubscribe {
				// Degrades this process to local-only delivery for the project
				return
			}
			_ = sub.Close()
			sub, err = r.resubscribe(projectID)
			if err != nil {
				log.Error().Err(err).Msg("relay resubscribe abandoned")
				return
			}
			log.Info().Msg("relay resubscribed")
			continue
		}

		inner, exclude, err := decodeFrame(message)
		if err != nil {
			log.Warn().Err(err).Msg("dropping relay frame")
			continue
		}
		r.fanOut(projectID, inner, exclude, peers)
	}
}

func (r *Relay) fanOut(projectID string, message []byte, exclude string, peers Peers) {
	for _, userID := range peers.LocalUsers(projectID) {
		if exclude != "" && userID == exclude {
			continue
		}
		peers.Deliver(r.ctx, projectID, userID, message)
	}
}

func (r *Relay) resubscribe(projectID string) (storage.Subscription, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = r.config.ResubscribeMaxInterval
	policy.MaxElapsedTime = 0

	var sub storage.Subscription
	err := backoff.Retry(func() error {
		s, err := r.store.Subscribe(r.ctx, r.topic(projectID))
		if err != nil {
			r.log.Warn().Err(err).Str("project_id", projectID).Msg("relay resubscribe attempt failed")
			return err
		}
		sub = s
		return nil
	}, backoff.WithContext(policy, r.ctx))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ====================== Snapshot ======================

// SetState overwrites the project snapshot with a fresh TTL
func (r *Relay) SetState(ctx context.Context, projectID string, state []byte) error {
	return r.store.Set(ctx, r.stateKey(projectID), state, r.config.StateTTL)
}

// GetState returns the project snapshot, or nil when there is none
func (r *Relay) GetState(ctx context.Context, projectID string) ([]byte, error) {
	state, err := r.store.Get(ctx, r.stateKey(projectID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}

// ClearState deletes the project snapshot
func (r *Relay) ClearState(ctx context.Context, projectID string) error {
	return r.store.Delete(ctx, r.stateKey(projectID))
}

// ====================== Shared presence ======================

// SetPresence replicates the presence record of one connection to the
// shared view. Entries are per connection so a user attached to several
// processes stays listed until the last one leaves.
func (r *Relay) SetPresence(ctx context.Context, projectID, connID string, record pkg.PresenceRecord) error {
	data, err := sonic.ConfigStd.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	return r.store.HSet(ctx, r.presenceKey(projectID), presenceField(record.UserID, connID), data, r.config.StateTTL)
}

// RemovePresence drops one connection from the shared view
func (r *Relay) RemovePresence(ctx context.Context, projectID, userID, connID string) error {
	return r.store.HDel(ctx, r.presenceKey(projectID), presenceField(userID, connID))
}

// ListPresence returns the shared view, one record per user ordered by user
// id. When a user has several connections the most recently active record
// wins. Undecodable entries are skipped.
func (r *Relay) ListPresence(ctx context.Context, projectID string) ([]pkg.PresenceRecord, error) {
	fields, err := r.store.HGetAll(ctx, r.presenceKey(projectID))
	if err != nil {
		return nil, err
	}

	byUser := make(map[string]pkg.PresenceRecord, len(fields))
	for field, data := range fields {
		var record pkg.PresenceRecord
		if err := sonic.ConfigStd.Unmarshal(data, &record); err != nil || record.UserID == "" {
			r.log.Warn().Err(err).Str("project_id", projectID).Str("field", field).Msg("skipping bad presence entry")
			continue
		}
		if current, seen := byUser[record.UserID]; seen && current.LastActive >= record.LastActive {
			continue
		}
		byUser[record.UserID] = record
	}

	records := make([]pkg.PresenceRecord, 0, len(byUser))
	for _, record := range byUser {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

func presenceField(userID, connID string) string {
	return userID + "/" + connID
}
