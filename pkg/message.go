package pkg

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMissingType is returned by Decode for a record without a "type" tag
var ErrMissingType = errors.New("message has no type")

// codec keeps encoding/json semantics (sorted map keys, HTML escaping)
var codec = sonic.ConfigStd

// Message is the decoded body of an inbound client message. The concrete
// type is chosen by the "type" tag; Passthrough catches everything else.
type Message interface {
	Kind() MessageType
}

type UserConnected struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

type CursorPosition struct {
	Position json.RawMessage
}

type ActiveComponent struct {
	ComponentID json.RawMessage
}

type CanvasResize struct {
	Size json.RawMessage
}

type SaveProject struct {
	FullState json.RawMessage
}

// PageChange is ADD_PAGE, UPDATE_PAGE or REMOVE_PAGE
type PageChange struct {
	Type      MessageType
	FullState json.RawMessage
}

// ComponentChange is ADD_COMPONENT, UPDATE_COMPONENT, REMOVE_COMPONENT or MOVE_COMPONENT
type ComponentChange struct {
	Type      MessageType
	FullState json.RawMessage
}

// Passthrough is any type the server has no side effect for
type Passthrough struct {
	Type MessageType
}

func (UserConnected) Kind() MessageType     { return TypeUserConnected }
func (CursorPosition) Kind() MessageType    { return TypeCursorPosition }
func (ActiveComponent) Kind() MessageType   { return TypeActiveComponent }
func (CanvasResize) Kind() MessageType      { return TypeCanvasResize }
func (SaveProject) Kind() MessageType       { return TypeSaveProject }
func (m PageChange) Kind() MessageType      { return m.Type }
func (m ComponentChange) Kind() MessageType { return m.Type }
func (m Passthrough) Kind() MessageType     { return m.Type }

// Inbound is a decoded client message
type Inbound struct {
	Envelope
	// Raw is the original record with "timestamp" filled in when it was absent
	Raw     []byte
	Message Message
}

// Decode parses a raw client record. now (epoch ms) becomes the timestamp
// when the record carries none or a null one. Only "type" and "payload" are
// decoded strictly; "userId" and "timestamp" are read leniently.
func Decode(raw []byte, now int64) (*Inbound, error) {
	var head struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := codec.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	in := &Inbound{
		Envelope: Envelope{
			Type:    head.Type,
			UserID:  gjson.GetBytes(raw, "userId").String(),
			Payload: head.Payload,
		},
		Raw: raw,
	}

	if ts := gjson.GetBytes(raw, "timestamp"); ts.Exists() && ts.Type != gjson.Null {
		in.Timestamp = ts.Int()
	} else {
		patched, err := sjson.SetBytes(raw, "timestamp", now)
		if err != nil {
			return nil, fmt.Errorf("failed to stamp message: %w", err)
		}
		in.Raw = patched
		in.Timestamp = now
	}

	msg, err := decodeBody(head.Type, head.Payload, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", head.Type, err)
	}
	in.Message = msg
	return in, nil
}

func decodeBody(t MessageType, payload json.RawMessage, raw []byte) (Message, error) {
	switch {
	case t == TypeUserConnected:
		var body UserConnected
		if err := decodePayload(payload, &body); err != nil {
			return nil, err
		}
		return body, nil

	case t == TypeCursorPosition:
		return CursorPosition{Position: payload}, nil

	case t == TypeActiveComponent:
		var body struct {
			ComponentID json.RawMessage `json:"componentId"`
		}
		if err := decodePayload(payload, &body); err != nil {
			return nil, err
		}
		return ActiveComponent{ComponentID: body.ComponentID}, nil

	case t == TypeCanvasResize:
		return CanvasResize{Size: payload}, nil

	case t == TypeSaveProject:
		return SaveProject{FullState: FullStateOf(raw)}, nil

	case t.IsPageChange():
		return PageChange{Type: t, FullState: FullStateOf(raw)}, nil

	case t.IsComponentChange():
		return ComponentChange{Type: t, FullState: FullStateOf(raw)}, nil
	}

	return Passthrough{Type: t}, nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || gjson.ParseBytes(payload).Type == gjson.Null {
		return nil
	}
	return codec.Unmarshal(payload, v)
}

// FullStateOf returns the document snapshot carried by a record, looking at
// "fullState" first and "payload.fullState" second. JSON null counts as absent.
func FullStateOf(raw []byte) json.RawMessage {
	for _, path := range []string{"fullState", "payload.fullState"} {
		result := gjson.GetBytes(raw, path)
		if result.Exists() && result.Type != gjson.Null {
			return json.RawMessage(result.Raw)
		}
	}
	return nil
}

// WithUserID returns raw with its "userId" field set
func WithUserID(raw []byte, userID string) ([]byte, error) {
	return sjson.SetBytes(raw, "userId", userID)
}

// Encode serializes a server-originated message
func Encode(v any) ([]byte, error) {
	return codec.Marshal(v)
}
