package collab

import (
	"context"
	"sort"
	"sync"

	"canvas_collab/pkg"

	"github.com/google/uuid"
)

// Socket is the process-local handle of one client connection.
// Send must be safe to call from multiple goroutines.
type Socket interface {
	Send(ctx context.Context, message []byte) error
	Close() error
}

// Peer is a registered connection
type Peer struct {
	UserID string
	ConnID string
	Socket Socket
}

type projectEntry struct {
	mu       sync.Mutex
	peers    map[string]Peer
	presence map[string]*pkg.PresenceRecord
}

// Registry is the per-process bookkeeping of open connections, presence
// records and throttle timestamps, keyed by project.
type Registry struct {
	mu       sync.Mutex
	projects map[string]*projectEntry
	throttle *ThrottleLedger
}

// NewRegistry creates an empty registry
func NewRegistry(throttle *ThrottleLedger) *Registry {
	return &Registry{
		projects: make(map[string]*projectEntry),
		throttle: throttle,
	}
}

// Add registers socket for (projectID, userID) with a default presence
// record. A connection already registered for the pair is replaced and
// returned so the caller can close it.
func (r *Registry) Add(projectID, userID string, socket Socket, now int64) (string, *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.projects[projectID]
	if !exists {
		entry = &projectEntry{
			peers:    make(map[string]Peer),
			presence: make(map[string]*pkg.PresenceRecord),
		}
		r.projects[projectID] = entry
	}

	connID := uuid.NewString()
	record := pkg.NewPresenceRecord(userID, now)

	entry.mu.Lock()
	previous, replaced := entry.peers[userID]
	entry.peers[userID] = Peer{UserID: userID, ConnID: connID, Socket: socket}
	entry.presence[userID] = &record
	entry.mu.Unlock()

	r.throttle.Forget(projectID, userID)

	if replaced {
		return connID, &previous
	}
	return connID, nil
}

// Remove unregisters (projectID, userID) if connID still owns it. It reports
// whether anything was removed and how many local connections remain.
func (r *Registry) Remove(projectID, userID, connID string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.projects[projectID]
	if !exists {
		return false, 0
	}

	entry.mu.Lock()
	peer, ok := entry.peers[userID]
	if !ok || peer.ConnID != connID {
		remaining := len(entry.peers)
		entry.mu.Unlock()
		return false, remaining
	}
	delete(entry.peers, userID)
	delete(entry.presence, userID)
	remaining := len(entry.peers)
	entry.mu.Unlock()

	if remaining == 0 {
		delete(r.projects, projectID)
	}
	r.throttle.Forget(projectID, userID)
	return true, remaining
}

func (r *Registry) project(projectID string) *projectEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projects[projectID]
}

// Peer returns the connection registered for (projectID, userID)
func (r *Registry) Peer(projectID, userID string) (Peer, bool) {
	entry := r.project(projectID)
	if entry == nil {
		return Peer{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	peer, ok := entry.peers[userID]
	return peer, ok
}

// Peers returns every local connection of a project
func (r *Registry) Peers(projectID string) []Peer {
	entry := r.project(projectID)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	peers := make([]Peer, 0, len(entry.peers))
	for _, peer := range entry.peers {
		peers = append(peers, peer)
	}
	return peers
}

// UserIDs returns the users with a local connection to a project
func (r *Registry) UserIDs(projectID string) []string {
	peers := r.Peers(projectID)
	ids := make([]string, 0, len(peers))
	for _, peer := range peers {
		ids = append(ids, peer.UserID)
	}
	return ids
}

// Count returns the number of local connections of a project
func (r *Registry) Count(projectID string) int {
	entry := r.project(projectID)
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.peers)
}

// UpdatePresence applies mutate to the presence record of (projectID, userID)
// and returns a copy of the result. ok is false when the user has no record.
func (r *Registry) UpdatePresence(projectID, userID string, mutate func(*pkg.PresenceRecord)) (pkg.PresenceRecord, bool) {
	entry := r.project(projectID)
	if entry == nil {
		return pkg.PresenceRecord{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	record, ok := entry.presence[userID]
	if !ok {
		return pkg.PresenceRecord{}, false
	}
	mutate(record)
	record.UserID = userID
	return *record, true
}

// PresenceOf returns a copy of one presence record
func (r *Registry) PresenceOf(projectID, userID string) (pkg.PresenceRecord, bool) {
	return r.UpdatePresence(projectID, userID, func(*pkg.PresenceRecord) {})
}

// Presence returns copies of every local presence record, ordered by user id
func (r *Registry) Presence(projectID string) []pkg.PresenceRecord {
	records := []pkg.PresenceRecord{}
	entry := r.project(projectID)
	if entry == nil {
		return records
	}

	entry.mu.Lock()
	for _, record := range entry.presence {
		records = append(records, *record)
	}
	entry.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records
}
