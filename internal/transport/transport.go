// Package transport implements the two delivery mechanisms that move
// messages between a chat session and its counterpart: a push channel
// (WebSocket, JSON text frames) with reconnect and keepalive handling, and
// an interval poller over the durable store used as a full functional
// fallback. It also owns the process-wide registry of open push channels.
package transport

import (
	"errors"

	"github.com/jobber/chat-app/internal/chat"
)

// State is the lifecycle state of a push channel.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrRoomUnavailable is surfaced when polling sees the room vanish for
// several consecutive cycles. Terminal for the session.
var ErrRoomUnavailable = errors.New("transport: room unavailable")

// ErrReconnectExhausted is surfaced when the push channel has used up its
// reconnect budget. The session responds by activating poll mode.
var ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

// ErrNotOpen is returned by Send when the push channel is not open.
var ErrNotOpen = errors.New("transport: channel not open")

// Events are the callbacks a push transport delivers to its owning
// session. They are invoked from transport goroutines; the session
// serializes its own state behind a mutex.
type Events struct {
	// OnOpen fires when the channel reaches Open (after the join frame).
	OnOpen func()

	// OnMessage delivers a normalized incoming message and its dedup key.
	// Called at most once per distinct key per delivery.
	OnMessage func(msg chat.Message, key string)

	// OnRoomCorrected fires when the join acknowledgement carries a room
	// id different from the requested one. The session must adopt it.
	OnRoomCorrected func(roomID int64)

	// OnDown fires exactly once when the channel closes permanently. The
	// session inspects the error: auth errors are terminal, anything else
	// activates poll mode.
	OnDown func(err error)
}
