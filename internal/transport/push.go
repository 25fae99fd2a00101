package transport

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobber/chat-app/internal/auth"
	"github.com/jobber/chat-app/internal/chat"
	"github.com/jobber/chat-app/internal/metrics"
	"github.com/jobber/chat-app/internal/protocol"
)

// PushConfig holds tunable parameters for a push channel.
type PushConfig struct {
	URL            string        // push endpoint, e.g. "ws://localhost:8081/ws"
	Label          string        // purpose label recorded on the channel handle
	ConnectTimeout time.Duration // max time from dial to Open
	BackoffBase    time.Duration // first reconnect delay
	BackoffFactor  float64       // multiplier per attempt
	BackoffCap     time.Duration // upper bound on any single delay
	MaxAttempts    int           // reconnect budget before downgrading
}

// DefaultPushConfig returns the production defaults: 5s connect timeout,
// reconnect delays of min(1s × 1.5ᵃ, 10s), at most 5 attempts.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		URL:            "ws://localhost:8081/ws",
		Label:          "chat",
		ConnectTimeout: 5 * time.Second,
		BackoffBase:    1 * time.Second,
		BackoffFactor:  1.5,
		BackoffCap:     10 * time.Second,
		MaxAttempts:    5,
	}
}

// Push manages a single push channel's lifecycle: connect, join-room
// handshake, keepalive, reconnect with bounded exponential backoff, and
// graceful or abrupt close handling. One instance serves one chat session
// while push mode is active.
//
// Lifecycle: Idle -> Connecting -> Open -> {Closing, Reconnecting} ->
// Closed. Closed is terminal unless the session builds a new instance.
type Push struct {
	config   PushConfig
	dialer   Dialer
	gate     *auth.Gate
	registry *Registry
	events   Events

	mu         sync.Mutex
	id         string
	state      State
	conn       Conn
	roomID     int64
	senderID   int64
	attempts   int
	generation int // bumped on every teardown; stale goroutines and timers no-op
	reconnect  *time.Timer
	downOnce   sync.Once
}

// NewPush creates a push transport. The registry receives a non-owning
// handle once the channel starts; the gate is consulted fresh on every
// transport-open decision.
func NewPush(config PushConfig, dialer Dialer, gate *auth.Gate, registry *Registry, events Events) *Push {
	return &Push{
		config:   config,
		dialer:   dialer,
		gate:     gate,
		registry: registry,
		events:   events,
		id:       uuid.New().String(),
		state:    StateIdle,
	}
}

// ID returns the generated channel handle id.
func (p *Push) ID() string { return p.id }

// Label returns the channel's purpose label.
func (p *Push) Label() string { return p.config.Label }

// RoomID returns the room this channel belongs to, including any
// server-side correction adopted during the join handshake.
func (p *Push) RoomID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

// State returns the channel's current lifecycle state.
func (p *Push) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins connecting the channel for the given room and sender. If
// the auth gate denies the caller, the channel closes immediately with an
// auth error surfaced through OnDown — never silently retried.
func (p *Push) Start(roomID, senderID int64) {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	p.roomID = roomID
	p.senderID = senderID

	if !p.gate.Valid() {
		p.state = StateClosed
		p.mu.Unlock()
		log.Printf("push: channel %s denied by auth gate", p.id)
		p.fireDown(auth.ErrAuthRequired)
		return
	}

	p.state = StateConnecting
	gen := p.generation
	p.mu.Unlock()

	p.registry.Register(p)
	go p.connect(gen)
}

// Send writes a raw frame to the channel. Returns ErrNotOpen unless the
// channel is Open. A failed write surfaces the error without killing the
// transport; the session falls back to the store path for that message.
func (p *Push) Send(data []byte) error {
	p.mu.Lock()
	conn, state := p.conn, p.state
	p.mu.Unlock()

	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}
	if err := conn.WriteText(data); err != nil {
		return fmt.Errorf("push: send on channel %s: %w", p.id, err)
	}
	return nil
}

// SendMessage encodes a chat message as a wire frame and sends it.
func (p *Push) SendMessage(msg chat.Message) error {
	frame, err := protocol.NewMessage(protocol.TypeMessage, protocol.MessageMsg{Message: msg})
	if err != nil {
		return err
	}
	return p.Send(frame)
}

// Close tears the channel down gracefully with close code 1000. This path
// never triggers reconnection and does not fire OnDown — the session
// initiated it.
func (p *Push) Close(reason string) {
	_ = p.CloseWith(1000, reason)
}

// CloseWith implements the registry Channel interface.
func (p *Push) CloseWith(code uint16, reason string) error {
	p.mu.Lock()
	if p.state == StateClosed || p.state == StateClosing {
		p.mu.Unlock()
		return nil
	}
	wasOpen := p.state == StateOpen
	p.state = StateClosing
	p.generation++
	conn := p.conn
	p.conn = nil
	if p.reconnect != nil {
		p.reconnect.Stop()
		p.reconnect = nil
	}
	p.mu.Unlock()

	if conn != nil {
		_ = conn.WriteClose(code, reason)
		_ = conn.Close()
	}
	p.registry.Unregister(p.id)

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()

	if wasOpen {
		metrics.ChannelsOpen.Dec()
	}
	log.Printf("push: channel %s closed (code=%d reason=%q)", p.id, code, reason)
	return nil
}

// connect performs one dial + join attempt. Every attempt is a fresh
// transport-open decision, so the auth gate is recomputed each time.
func (p *Push) connect(gen int) {
	if !p.gate.Valid() {
		p.permanentClose(gen, auth.ErrAuthRequired)
		return
	}

	p.mu.Lock()
	roomID, senderID := p.roomID, p.senderID
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.ConnectTimeout)
	conn, err := p.dialer.Dial(ctx, p.config.URL)
	cancel()

	p.mu.Lock()
	if p.generation != gen || p.state != StateConnecting {
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		p.mu.Unlock()
		p.scheduleReconnect(gen, err)
		return
	}
	p.conn = conn
	p.mu.Unlock()

	// The join frame must be the first frame on the wire.
	join, err := protocol.NewMessage(protocol.TypeJoin, protocol.JoinMsg{
		ChatRoomID: roomID,
		SenderID:   senderID,
	})
	if err == nil {
		err = conn.WriteText(join)
	}
	if err != nil {
		conn.Close()
		p.scheduleReconnect(gen, err)
		return
	}

	p.mu.Lock()
	if p.generation != gen || p.state != StateConnecting {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.state = StateOpen
	p.attempts = 0
	p.mu.Unlock()

	metrics.ChannelsOpen.Inc()
	log.Printf("push: channel %s open room=%d sender=%d", p.id, roomID, senderID)

	if p.events.OnOpen != nil {
		p.events.OnOpen()
	}
	go p.readLoop(conn, gen)
}

// readLoop reads frames until the connection fails or is torn down.
func (p *Push) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadText()
		if err != nil {
			p.handleReadError(gen, err)
			return
		}
		p.dispatch(conn, data, gen)
	}
}

// dispatch routes one incoming frame by its type discriminator.
func (p *Push) dispatch(conn Conn, data []byte, gen int) {
	_, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("push: channel %s dropping unparseable frame: %v", p.id, err)
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		// Keepalive: reply immediately, no payload.
		frame, err := protocol.NewMessage(protocol.TypePong, protocol.PongMsg{})
		if err == nil {
			err = conn.WriteText(frame)
		}
		if err != nil {
			log.Printf("push: channel %s pong failed: %v", p.id, err)
		}

	case protocol.JoinAckMsg:
		p.mu.Lock()
		corrected := m.ChatRoomID != 0 && m.ChatRoomID != p.roomID
		if corrected {
			log.Printf("push: channel %s adopting corrected room %d (was %d)", p.id, m.ChatRoomID, p.roomID)
			p.roomID = m.ChatRoomID
		}
		p.mu.Unlock()
		if corrected && p.events.OnRoomCorrected != nil {
			p.events.OnRoomCorrected(m.ChatRoomID)
		}

	case protocol.MessageMsg:
		metrics.MessagesTotal.WithLabelValues("received").Inc()
		if p.events.OnMessage != nil {
			delivered, key := chat.Normalize(m.Message)
			p.events.OnMessage(delivered, key)
		}

	case protocol.ErrorMsg:
		log.Printf("push: channel %s server error code=%q: %s", p.id, m.Code, m.Message)
		if isAuthText(m.Code + " " + m.Message) {
			p.permanentClose(gen, auth.ErrAuthRequired)
		}
	}
}

// handleReadError classifies a read failure: graceful server close and
// auth-flavored errors are terminal; everything else enters the reconnect
// path.
func (p *Push) handleReadError(gen int, err error) {
	p.mu.Lock()
	stale := p.generation != gen || p.state == StateClosing || p.state == StateClosed
	p.mu.Unlock()
	if stale {
		return
	}

	if isAuthText(err.Error()) {
		// Do not retry what auth denied.
		p.permanentClose(gen, auth.ErrAuthRequired)
		return
	}
	if code, ok := closeCode(err); ok && code == 1000 {
		p.permanentClose(gen, fmt.Errorf("push: channel closed by server"))
		return
	}
	p.scheduleReconnect(gen, err)
}

// scheduleReconnect arms the backoff timer for the next attempt, or closes
// the channel permanently once the budget is spent.
func (p *Push) scheduleReconnect(gen int, cause error) {
	p.mu.Lock()
	if p.generation != gen || p.state == StateClosing || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	wasOpen := p.state == StateOpen
	conn := p.conn
	p.conn = nil

	if p.attempts >= p.config.MaxAttempts {
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		p.permanentClose(gen, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, p.config.MaxAttempts, cause))
		return
	}

	delay := p.backoff(p.attempts)
	p.attempts++
	attempt := p.attempts
	p.state = StateReconnecting

	timer := time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.generation != gen || p.state != StateReconnecting {
			p.mu.Unlock()
			return
		}
		p.state = StateConnecting
		p.mu.Unlock()
		p.connect(gen)
	})
	p.reconnect = timer
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasOpen {
		metrics.ChannelsOpen.Dec()
	}
	metrics.ReconnectsTotal.Inc()
	log.Printf("push: channel %s reconnecting in %s (attempt %d/%d): %v",
		p.id, delay, attempt, p.config.MaxAttempts, cause)
}

// permanentClose tears the channel down and fires OnDown exactly once.
func (p *Push) permanentClose(gen int, cause error) {
	p.mu.Lock()
	if p.generation != gen || p.state == StateClosing || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	wasOpen := p.state == StateOpen
	p.state = StateClosed
	p.generation++
	conn := p.conn
	p.conn = nil
	if p.reconnect != nil {
		p.reconnect.Stop()
		p.reconnect = nil
	}
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	p.registry.Unregister(p.id)
	if wasOpen {
		metrics.ChannelsOpen.Dec()
	}
	log.Printf("push: channel %s closed permanently: %v", p.id, cause)
	p.fireDown(cause)
}

func (p *Push) fireDown(err error) {
	p.downOnce.Do(func() {
		if p.events.OnDown != nil {
			p.events.OnDown(err)
		}
	})
}

// backoff returns min(base × factorⁿ, cap).
func (p *Push) backoff(n int) time.Duration {
	d := time.Duration(float64(p.config.BackoffBase) * math.Pow(p.config.BackoffFactor, float64(n)))
	if d > p.config.BackoffCap {
		return p.config.BackoffCap
	}
	return d
}

// isAuthText reports whether an error message looks authentication-related.
func isAuthText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "auth") || strings.Contains(s, "forbidden") || strings.Contains(s, "denied")
}
