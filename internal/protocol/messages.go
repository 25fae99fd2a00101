// Package protocol defines the JSON text frames exchanged over a push
// channel between a chat client and the push endpoint. All frames follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jobber/chat-app/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeJoin    = "join"
	TypeMessage = "message" // also Server -> Client
	TypePong    = "pong"
)

// Server -> Client frame types.
const (
	TypePing    = "ping"
	TypeJoinAck = "join_ack"
	TypeJoined  = "joined" // legacy alias of join_ack, still accepted
	TypeError   = "error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Frame structs
// ---------------------------------------------------------------------------

// JoinMsg registers the channel as a member of a room.
type JoinMsg struct {
	Type       string `json:"type"`
	ChatRoomID int64  `json:"chatRoomId"`
	SenderID   int64  `json:"senderId"`
}

// MessageMsg carries a chat message in either direction. The embedded
// chat.Message supplies the wire field names (id, chatRoomId, senderId,
// senderName, content, messageType, timestamp).
type MessageMsg struct {
	Type string `json:"type"`
	chat.Message
}

// PongMsg is the client's keepalive reply to a server ping. No payload.
type PongMsg struct {
	Type string `json:"type"`
}

// PingMsg is the server's keepalive probe. No payload.
type PingMsg struct {
	Type string `json:"type"`
}

// JoinAckMsg confirms room membership. ChatRoomID may differ from the
// requested room id, in which case the client must adopt the corrected id.
type JoinAckMsg struct {
	Type       string `json:"type"`
	ChatRoomID int64  `json:"chatRoomId"`
}

// ErrorMsg communicates an error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw frame bytes sent by a client into a typed
// struct. It returns the frame type string, the decoded struct, and any
// error encountered during parsing. An error is returned for unknown or
// server-only frame types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses raw frame bytes sent by the push endpoint into
// a typed struct. join_ack and joined are accepted interchangeably and both
// decode to JoinAckMsg.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinAck, TypeJoined:
		var m JoinAckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded frame. The msgType is injected into the
// payload under the "type" key. The payload should be one of the frame
// structs; this function marshals it to JSON, injects the type field, and
// returns the final bytes.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
