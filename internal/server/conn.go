package server

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn represents a single client push connection with its identity and
// room membership, plus a write mutex serializing outbound frames.
type Conn struct {
	ID        string   // channel handle id (UUID)
	NetConn   net.Conn // underlying TCP connection
	CreatedAt time.Time

	mu       sync.Mutex
	userID   int64
	roomID   int64 // 0 until a join is accepted
	lastPong time.Time
	writeMu  sync.Mutex
}

// WriteMessage sends a text frame. The write mutex ensures concurrent
// goroutines do not interleave frame bytes.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.NetConn, ws.OpText, data)
}

// WriteCloseFrame sends a close frame with the given code and reason.
func (c *Conn) WriteCloseFrame(code uint16, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	return ws.WriteFrame(c.NetConn, ws.NewCloseFrame(body))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.NetConn.Close()
}

// SetMembership records the authenticated user and joined room.
func (c *Conn) SetMembership(userID, roomID int64) {
	c.mu.Lock()
	c.userID = userID
	c.roomID = roomID
	c.mu.Unlock()
}

// Membership returns the connection's user and room ids.
func (c *Conn) Membership() (userID, roomID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.roomID
}

// TouchPong records keepalive activity.
func (c *Conn) TouchPong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// LastPong returns the time of the most recent keepalive activity.
func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// connTable is a thread-safe registry of active connections, indexed by
// handle id and by room for local fan-out.
type connTable struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byRoom map[int64]map[string]*Conn
}

func newConnTable() *connTable {
	return &connTable{
		byID:   make(map[string]*Conn),
		byRoom: make(map[int64]map[string]*Conn),
	}
}

// Add registers a connection by id. Room indexing happens on Join.
func (t *connTable) Add(c *Conn) {
	t.mu.Lock()
	t.byID[c.ID] = c
	t.mu.Unlock()
}

// Join indexes a connection under its room.
func (t *connTable) Join(c *Conn, roomID int64) {
	t.mu.Lock()
	room, ok := t.byRoom[roomID]
	if !ok {
		room = make(map[string]*Conn)
		t.byRoom[roomID] = room
	}
	room[c.ID] = c
	t.mu.Unlock()
}

// Remove drops a connection from both indexes and closes it. Returns true
// if the connection was present.
func (t *connTable) Remove(id string) bool {
	t.mu.Lock()
	c, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		_, roomID := c.Membership()
		if room, found := t.byRoom[roomID]; found {
			delete(room, id)
			if len(room) == 0 {
				delete(t.byRoom, roomID)
			}
		}
	}
	t.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Room returns a snapshot of the connections joined to a room.
func (t *connTable) Room(roomID int64) []*Conn {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.byRoom[roomID]))
	for _, c := range t.byRoom[roomID] {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	return conns
}

// All returns a snapshot of every active connection.
func (t *connTable) All() []*Conn {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.byID))
	for _, c := range t.byID {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (t *connTable) Count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}
