package pkg

import (
	"encoding/json"
)

// Collaboration wire types shared by the router, the relay and clients

// MessageType is the "type" tag of every wire message
type MessageType string

const (
	TypeUserConnected    MessageType = "USER_CONNECTED"
	TypeUserDisconnected MessageType = "USER_DISCONNECTED"
	TypeCursorPosition   MessageType = "CURSOR_POSITION"
	TypeActiveComponent  MessageType = "ACTIVE_COMPONENT"
	TypeCanvasResize     MessageType = "CANVAS_RESIZE"
	TypeSaveProject      MessageType = "SAVE_PROJECT"
	TypeProjectSaved     MessageType = "PROJECT_SAVED"
	TypeAddPage          MessageType = "ADD_PAGE"
	TypeUpdatePage       MessageType = "UPDATE_PAGE"
	TypeRemovePage       MessageType = "REMOVE_PAGE"
	TypeAddComponent     MessageType = "ADD_COMPONENT"
	TypeUpdateComponent  MessageType = "UPDATE_COMPONENT"
	TypeRemoveComponent  MessageType = "REMOVE_COMPONENT"
	TypeMoveComponent    MessageType = "MOVE_COMPONENT"

	// Server-originated only
	TypeConnectedUsers MessageType = "CONNECTED_USERS"
	TypeInitialState   MessageType = "INITIAL_STATE"
)

// IsPageChange reports whether t is one of the page edit types
func (t MessageType) IsPageChange() bool {
	switch t {
	case TypeAddPage, TypeUpdatePage, TypeRemovePage:
		return true
	}
	return false
}

// IsComponentChange reports whether t is one of the component edit types
func (t MessageType) IsComponentChange() bool {
	switch t {
	case TypeAddComponent, TypeUpdateComponent, TypeRemoveComponent, TypeMoveComponent:
		return true
	}
	return false
}

// Envelope is the common header of every wire message
type Envelope struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a message composed by the server
type Outbound struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// PresenceRecord is the live metadata of one connected user
type PresenceRecord struct {
	UserID           string          `json:"userId"`
	Username         string          `json:"username"`
	Color            string          `json:"color"`
	LastActive       int64           `json:"lastActive"`
	CursorPosition   json.RawMessage `json:"cursorPosition"`
	CurrentComponent json.RawMessage `json:"currentComponent"`
	CanvasSize       json.RawMessage `json:"canvasSize"`
}

const DefaultPresenceColor = "#3b82f6"

// NewPresenceRecord returns the record created for a fresh connection
func NewPresenceRecord(userID string, now int64) PresenceRecord {
	short := userID
	if runes := []rune(userID); len(runes) > 4 {
		short = string(runes[:4])
	}
	return PresenceRecord{
		UserID:     userID,
		Username:   "User " + short,
		Color:      DefaultPresenceColor,
		LastActive: now,
	}
}

// ProjectSavedPayload is the body of a PROJECT_SAVED acknowledgment
type ProjectSavedPayload struct {
	Trigger MessageType `json:"trigger"`
}
