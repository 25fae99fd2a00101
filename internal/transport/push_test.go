package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/jobber/chat-app/internal/auth"
	"github.com/jobber/chat-app/internal/chat"
	"github.com/jobber/chat-app/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type readResult struct {
	data []byte
	err  error
}

// fakeConn is a scriptable Conn: tests feed inbound frames through reads
// and observe outbound frames on writes.
type fakeConn struct {
	reads  chan readResult
	writes chan []byte

	mu        sync.Mutex
	closed    bool
	closedCh  chan struct{}
	closeSent bool
	closeCode uint16
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:    make(chan readResult, 16),
		writes:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadText() ([]byte, error) {
	select {
	case r := <-c.reads:
		return r.data, r.err
	case <-c.closedCh:
		return nil, io.ErrClosedPipe
	}
}

func (c *fakeConn) WriteText(data []byte) error {
	c.writes <- data
	return nil
}

func (c *fakeConn) WriteClose(code uint16, reason string) error {
	c.mu.Lock()
	c.closeSent = true
	c.closeCode = code
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) closeFrame() (bool, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSent, c.closeCode
}

// fakeDialer runs a per-call script.
type fakeDialer struct {
	mu    sync.Mutex
	calls int
	dial  func(call int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.dial(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var pushTestSecret = []byte("push-test-secret")

func allowGate() *auth.Gate {
	marker := auth.SignMarker(pushTestSecret, 7)
	return auth.NewGate(auth.StaticProvider{ID: 7, Marker: marker}, pushTestSecret)
}

func denyGate() *auth.Gate {
	return auth.NewGate(auth.StaticProvider{}, pushTestSecret)
}

func testPushConfig() PushConfig {
	cfg := DefaultPushConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.MaxAttempts = 3
	return cfg
}

func serverFrame(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("building %s frame: %v", msgType, err)
	}
	return data
}

func recvFrame(t *testing.T, c *fakeConn, what string) []byte {
	t.Helper()
	select {
	case data := <-c.writes:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitErr(t *testing.T, ch <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPushJoinFrameSentFirst(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	opened := make(chan struct{}, 1)
	reg := NewRegistry()

	p := NewPush(testPushConfig(), dialer, allowGate(), reg, Events{
		OnOpen: func() { opened <- struct{}{} },
	})
	p.Start(42, 7)
	defer p.Close("test done")

	frame := recvFrame(t, conn, "join frame")
	msgType, msg, err := protocol.ParseClientMessage(frame)
	if err != nil {
		t.Fatalf("parsing first frame: %v", err)
	}
	if msgType != protocol.TypeJoin {
		t.Fatalf("first frame type = %q, want %q", msgType, protocol.TypeJoin)
	}
	join := msg.(protocol.JoinMsg)
	if join.ChatRoomID != 42 || join.SenderID != 7 {
		t.Errorf("join = room %d sender %d, want room 42 sender 7", join.ChatRoomID, join.SenderID)
	}

	waitSignal(t, opened, "OnOpen")
	if got := p.State(); got != StateOpen {
		t.Errorf("state = %v, want %v", got, StateOpen)
	}
	if reg.Count() != 1 {
		t.Errorf("registry count = %d, want 1", reg.Count())
	}
}

func TestPushRepliesToPing(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	opened := make(chan struct{}, 1)

	p := NewPush(testPushConfig(), dialer, allowGate(), NewRegistry(), Events{
		OnOpen: func() { opened <- struct{}{} },
	})
	p.Start(42, 7)
	defer p.Close("test done")

	recvFrame(t, conn, "join frame")
	waitSignal(t, opened, "OnOpen")

	conn.reads <- readResult{data: serverFrame(t, protocol.TypePing, protocol.PingMsg{})}

	frame := recvFrame(t, conn, "pong frame")
	msgType, _, err := protocol.ParseClientMessage(frame)
	if err != nil {
		t.Fatalf("parsing reply: %v", err)
	}
	if msgType != protocol.TypePong {
		t.Errorf("reply type = %q, want %q", msgType, protocol.TypePong)
	}
}

func TestPushDeliversIncomingMessages(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	opened := make(chan struct{}, 1)

	type delivery struct {
		msg chat.Message
		key string
	}
	got := make(chan delivery, 1)

	p := NewPush(testPushConfig(), dialer, allowGate(), NewRegistry(), Events{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(msg chat.Message, key string) { got <- delivery{msg, key} },
	})
	p.Start(42, 7)
	defer p.Close("test done")

	recvFrame(t, conn, "join frame")
	waitSignal(t, opened, "OnOpen")

	incoming := chat.Message{
		ID:        5,
		RoomID:    42,
		SenderID:  9,
		Content:   "hello there",
		Kind:      chat.KindText,
		Timestamp: time.Now().UTC(),
	}
	conn.reads <- readResult{data: serverFrame(t, protocol.TypeMessage, protocol.MessageMsg{Message: incoming})}

	select {
	case d := <-got:
		if d.key != "id:5" {
			t.Errorf("dedup key = %q, want %q", d.key, "id:5")
		}
		if d.msg.Content != "hello there" || d.msg.SenderID != 9 {
			t.Errorf("delivered message = %+v", d.msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}
}

func TestPushAdoptsCorrectedRoom(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	opened := make(chan struct{}, 1)
	corrected := make(chan int64, 1)

	p := NewPush(testPushConfig(), dialer, allowGate(), NewRegistry(), Events{
		OnOpen:          func() { opened <- struct{}{} },
		OnRoomCorrected: func(roomID int64) { corrected <- roomID },
	})
	p.Start(42, 7)
	defer p.Close("test done")

	recvFrame(t, conn, "join frame")
	waitSignal(t, opened, "OnOpen")

	conn.reads <- readResult{data: serverFrame(t, protocol.TypeJoinAck, protocol.JoinAckMsg{ChatRoomID: 99})}

	select {
	case roomID := <-corrected:
		if roomID != 99 {
			t.Errorf("corrected room = %d, want 99", roomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnRoomCorrected")
	}
	if got := p.RoomID(); got != 99 {
		t.Errorf("RoomID() = %d, want 99", got)
	}
}

func TestPushReconnectBudgetExhausted(t *testing.T) {
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return nil, errors.New("connection refused") }}
	down := make(chan error, 1)
	reg := NewRegistry()
	cfg := testPushConfig()

	p := NewPush(cfg, dialer, allowGate(), reg, Events{
		OnDown: func(err error) { down <- err },
	})
	p.Start(42, 7)

	err := waitErr(t, down, "OnDown")
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("OnDown err = %v, want ErrReconnectExhausted", err)
	}
	// Initial attempt plus the full reconnect budget.
	if got := dialer.count(); got != cfg.MaxAttempts+1 {
		t.Errorf("dial count = %d, want %d", got, cfg.MaxAttempts+1)
	}
	if got := p.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}
}

func TestPushExplicitCloseDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	opened := make(chan struct{}, 1)
	down := make(chan error, 1)
	reg := NewRegistry()

	p := NewPush(testPushConfig(), dialer, allowGate(), reg, Events{
		OnOpen: func() { opened <- struct{}{} },
		OnDown: func(err error) { down <- err },
	})
	p.Start(42, 7)
	recvFrame(t, conn, "join frame")
	waitSignal(t, opened, "OnOpen")

	p.Close("user left conversation")

	sent, code := conn.closeFrame()
	if !sent || code != 1000 {
		t.Errorf("close frame sent=%v code=%d, want sent with code 1000", sent, code)
	}
	if got := p.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}

	// Give any stray reconnect timer a chance to fire.
	time.Sleep(30 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Errorf("dial count after close = %d, want 1", got)
	}
	select {
	case err := <-down:
		t.Errorf("OnDown fired after explicit close: %v", err)
	default:
	}
}

func TestPushReadFailureReconnects(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{dial: func(call int) (Conn, error) {
		if call == 1 {
			return conn1, nil
		}
		return conn2, nil
	}}
	opened := make(chan struct{}, 2)

	p := NewPush(testPushConfig(), dialer, allowGate(), NewRegistry(), Events{
		OnOpen: func() { opened <- struct{}{} },
	})
	p.Start(42, 7)
	defer p.Close("test done")

	recvFrame(t, conn1, "first join frame")
	waitSignal(t, opened, "first OnOpen")

	conn1.reads <- readResult{err: errors.New("connection reset by peer")}

	// The channel must come back on a new connection with a fresh join.
	frame := recvFrame(t, conn2, "second join frame")
	msgType, _, err := protocol.ParseClientMessage(frame)
	if err != nil || msgType != protocol.TypeJoin {
		t.Fatalf("second connection first frame type = %q err = %v, want join", msgType, err)
	}
	waitSignal(t, opened, "second OnOpen")
	if got := dialer.count(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestPushServerCloseFrameIsTerminal(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	opened := make(chan struct{}, 1)
	down := make(chan error, 1)

	p := NewPush(testPushConfig(), dialer, allowGate(), NewRegistry(), Events{
		OnOpen: func() { opened <- struct{}{} },
		OnDown: func(err error) { down <- err },
	})
	p.Start(42, 7)
	recvFrame(t, conn, "join frame")
	waitSignal(t, opened, "OnOpen")

	conn.reads <- readResult{err: wsutil.ClosedError{Code: 1000, Reason: "bye"}}

	err := waitErr(t, down, "OnDown")
	if errors.Is(err, auth.ErrAuthRequired) {
		t.Fatalf("OnDown err = %v, want a non-auth terminal error", err)
	}
	if got := dialer.count(); got != 1 {
		t.Errorf("dial count = %d, want 1 (no reconnect after graceful close)", got)
	}
}

func TestPushAuthDeniedBeforeDial(t *testing.T) {
	dialer := &fakeDialer{dial: func(int) (Conn, error) {
		t.Error("dial attempted despite auth denial")
		return nil, errors.New("unreachable")
	}}
	down := make(chan error, 1)

	p := NewPush(testPushConfig(), dialer, denyGate(), NewRegistry(), Events{
		OnDown: func(err error) { down <- err },
	})
	p.Start(42, 7)

	err := waitErr(t, down, "OnDown")
	if !errors.Is(err, auth.ErrAuthRequired) {
		t.Fatalf("OnDown err = %v, want ErrAuthRequired", err)
	}
	if got := p.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}
}

func TestPushServerAuthErrorIsTerminal(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	opened := make(chan struct{}, 1)
	down := make(chan error, 1)

	p := NewPush(testPushConfig(), dialer, allowGate(), NewRegistry(), Events{
		OnOpen: func() { opened <- struct{}{} },
		OnDown: func(err error) { down <- err },
	})
	p.Start(42, 7)
	recvFrame(t, conn, "join frame")
	waitSignal(t, opened, "OnOpen")

	conn.reads <- readResult{data: serverFrame(t, protocol.TypeError, protocol.ErrorMsg{
		Code:    "forbidden",
		Message: "not a participant of this room",
	})}

	err := waitErr(t, down, "OnDown")
	if !errors.Is(err, auth.ErrAuthRequired) {
		t.Fatalf("OnDown err = %v, want ErrAuthRequired", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Errorf("dial count = %d, want 1 (auth errors must not be retried)", got)
	}
}

func TestPushSendRequiresOpenChannel(t *testing.T) {
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return nil, errors.New("unused") }}
	p := NewPush(testPushConfig(), dialer, allowGate(), NewRegistry(), Events{})

	if err := p.Send([]byte(`{"type":"message"}`)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send on idle channel = %v, want ErrNotOpen", err)
	}
}

func TestPushBackoffSchedule(t *testing.T) {
	p := NewPush(DefaultPushConfig(), nil, nil, nil, Events{})

	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
	}
	for n, w := range want {
		if got := p.backoff(n); got != w {
			t.Errorf("backoff(%d) = %s, want %s", n, got, w)
		}
	}
	// Large attempt counts clamp to the cap.
	if got := p.backoff(10); got != 10*time.Second {
		t.Errorf("backoff(10) = %s, want 10s", got)
	}
}
