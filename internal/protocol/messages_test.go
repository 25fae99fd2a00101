package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jobber/chat-app/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join frame
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","chatRoomId":42,"senderId":1001}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if jm.ChatRoomID != 42 {
		t.Errorf("expected chatRoomId 42, got %d", jm.ChatRoomID)
	}
	if jm.SenderID != 1001 {
		t.Errorf("expected senderId 1001, got %d", jm.SenderID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a chat message frame from a client
// ---------------------------------------------------------------------------

func TestParseClientMessage_Message(t *testing.T) {
	input := []byte(`{
		"type": "message",
		"chatRoomId": 42,
		"senderId": 1001,
		"senderName": "Ann",
		"content": "hello",
		"messageType": "text",
		"timestamp": "2026-08-01T12:00:00Z"
	}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	mm, ok := msg.(MessageMsg)
	if !ok {
		t.Fatalf("expected MessageMsg, got %T", msg)
	}
	if mm.RoomID != 42 || mm.SenderID != 1001 {
		t.Errorf("unexpected room/sender: %+v", mm.Message)
	}
	if mm.Content != "hello" || mm.Kind != chat.KindText {
		t.Errorf("unexpected content/kind: %+v", mm.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: join_ack and joined decode interchangeably
// ---------------------------------------------------------------------------

func TestParseServerMessage_JoinAckAliases(t *testing.T) {
	for _, frameType := range []string{TypeJoinAck, TypeJoined} {
		input := []byte(`{"type":"` + frameType + `","chatRoomId":77}`)

		msgType, msg, err := ParseServerMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", frameType, err)
		}
		if msgType != frameType {
			t.Fatalf("expected type %q, got %q", frameType, msgType)
		}

		ack, ok := msg.(JoinAckMsg)
		if !ok {
			t.Fatalf("%s: expected JoinAckMsg, got %T", frameType, msg)
		}
		if ack.ChatRoomID != 77 {
			t.Errorf("%s: expected chatRoomId 77, got %d", frameType, ack.ChatRoomID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: ping parses with no payload
// ---------------------------------------------------------------------------

func TestParseServerMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseServerMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Building a message frame injects the type field
// ---------------------------------------------------------------------------

func TestNewMessage_Message(t *testing.T) {
	payload := MessageMsg{
		Message: chat.Message{
			ID:        5001,
			RoomID:    42,
			SenderID:  1001,
			Content:   "hello",
			Kind:      chat.KindText,
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	data, err := NewMessage(TypeMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded["type"] != "message" {
		t.Errorf("expected type field %q, got %v", "message", decoded["type"])
	}
	if decoded["id"] != float64(5001) {
		t.Errorf("expected id 5001, got %v", decoded["id"])
	}
	if decoded["chatRoomId"] != float64(42) {
		t.Errorf("expected chatRoomId 42, got %v", decoded["chatRoomId"])
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed frames are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"typing"}`))
	if err == nil {
		t.Fatal("expected error for unknown client frame type")
	}
}

func TestParseServerMessage_ClientOnlyType(t *testing.T) {
	_, _, err := ParseServerMessage([]byte(`{"type":"pong"}`))
	if err == nil {
		t.Fatal("expected error for client-only frame type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"chatRoomId":42}`))
	if err == nil {
		t.Fatal("expected error for frame without type field")
	}
}
