package collab

import (
	"sync"
	"time"

	"canvas_collab/pkg"
)

type throttleKey struct {
	projectID string
	eventType pkg.MessageType
	userID    string
}

// ThrottleLedger remembers, per (project, event type, user), when the last
// event was accepted and rejects events arriving within the window.
type ThrottleLedger struct {
	mu     sync.Mutex
	window int64 // ms
	last   map[throttleKey]int64
}

// NewThrottleLedger creates a ledger with the given minimum spacing
func NewThrottleLedger(window time.Duration) *ThrottleLedger {
	return &ThrottleLedger{
		window: window.Milliseconds(),
		last:   make(map[throttleKey]int64),
	}
}

// Allow reports whether an event at now (epoch ms) is accepted, recording it if so
func (t *ThrottleLedger) Allow(projectID string, eventType pkg.MessageType, userID string, now int64) bool {
	key := throttleKey{projectID: projectID, eventType: eventType, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, seen := t.last[key]; seen && now-last < t.window {
		return false
	}
	t.last[key] = now
	return true
}

// Forget drops every entry of a user in a project
func (t *ThrottleLedger) Forget(projectID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.last {
		if key.projectID == projectID && key.userID == userID {
			delete(t.last, key)
		}
	}
}
