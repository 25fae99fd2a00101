package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one established push connection. The push state machine talks to
// this interface only, so it can be driven by a fake in tests.
type Conn interface {
	// ReadText blocks until the next text frame arrives.
	ReadText() ([]byte, error)
	// WriteText sends a text frame. Goroutine-safe.
	WriteText(data []byte) error
	// WriteClose sends a close frame with the given code and reason.
	WriteClose(code uint16, reason string) error
	// Close closes the underlying connection.
	Close() error
}

// Dialer establishes push connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials WebSocket connections using gobwas/ws.
type WSDialer struct{}

// Dial implements Dialer. The context bounds the handshake; cancellation
// after the handshake does not affect the returned connection.
func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a raw WebSocket connection to the Conn interface. The
// write mutex serializes outbound frames so pong replies do not interleave
// with message sends.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadText() ([]byte, error) {
	data, err := wsutil.ReadServerText(c.conn)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) WriteClose(code uint16, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	return ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(body)))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// closeCode extracts the close status code from a read error, if the error
// represents a received close frame.
func closeCode(err error) (uint16, bool) {
	if ce, ok := err.(wsutil.ClosedError); ok {
		return uint16(ce.Code), true
	}
	return 0, false
}
