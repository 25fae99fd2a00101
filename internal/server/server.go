// Package server implements the push endpoint and the message store API.
// It upgrades HTTP connections to WebSocket push channels, persists
// messages in PostgreSQL, fans frames out across instances over NATS,
// and tracks presence and throttling in Redis.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/jobber/chat-app/internal/auth"
	"github.com/jobber/chat-app/internal/chat"
	"github.com/jobber/chat-app/internal/messaging"
	"github.com/jobber/chat-app/internal/metrics"
	"github.com/jobber/chat-app/internal/presence"
	"github.com/jobber/chat-app/internal/protocol"
	"github.com/jobber/chat-app/internal/ratelimit"
	"github.com/jobber/chat-app/internal/roomdb"
)

// Config holds tunable parameters for the push endpoint.
type Config struct {
	ListenAddr     string // address to listen on, e.g. ":8081"
	Secret         string // shared HMAC secret for tokens and markers
	UploadDir      string // directory for uploaded image files
	MaxConnections int    // hard cap on concurrent push connections
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8081",
		UploadDir:      "uploads",
		MaxConnections: 10000,
	}
}

// Server is the push endpoint. Each accepted connection gets its own read
// goroutine; fan-out to other instances goes through NATS, so two room
// participants need not share a process.
type Server struct {
	config   Config
	db       *roomdb.Store
	presence *presence.Store
	limiter  *ratelimit.Limiter
	bus      *messaging.Client // nil disables cross-instance fan-out

	conns      *connTable
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// New creates a Server. The bus may be nil, in which case fan-out stays
// local to this instance.
func New(config Config, db *roomdb.Store, pres *presence.Store, limiter *ratelimit.Limiter, bus *messaging.Client) *Server {
	return &Server{
		config:   config,
		db:       db,
		presence: pres,
		limiter:  limiter,
		bus:      bus,
		conns:    newConnTable(),
		done:     make(chan struct{}),
	}
}

// Start configures routes and blocks on ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(s.config.UploadDir))))
	s.registerAPI(mux)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	startHeartbeat(s, defaultHeartbeatConfig())

	log.Printf("server: listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: http: %w", err)
	}
	return nil
}

// Shutdown stops accepting traffic and closes every push connection.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	for _, c := range s.conns.All() {
		_ = c.WriteCloseFrame(1000, "server shutting down")
		s.dropConn(c)
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleUpgrade accepts a new push connection and starts its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), remoteIP(r), ratelimit.RuleConnect)
		if !ok {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	// An optional token on the upgrade request binds the connection to a
	// verified identity; the join frame's senderId must then match it.
	var tokenUID int64
	if tok := r.URL.Query().Get("token"); tok != "" {
		uid, err := auth.VerifyToken([]byte(s.config.Secret), tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		tokenUID = uid
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("server: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	c := &Conn{
		ID:        uuid.New().String(),
		NetConn:   netConn,
		CreatedAt: time.Now(),
	}
	c.TouchPong()
	if tokenUID != 0 {
		c.SetMembership(tokenUID, 0)
	}
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	log.Printf("server: connection %s accepted from %s", c.ID, r.RemoteAddr)

	go s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer s.dropConn(c)
	for {
		data, err := wsutil.ReadClientText(c.NetConn)
		if err != nil {
			return
		}
		s.dispatch(c, data)
	}
}

// dispatch routes one client frame by its type discriminator.
func (s *Server) dispatch(c *Conn, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("server: connection %s parse error: %v", c.ID, err)
		s.sendError(c, "parse_error", "invalid message format")
		return
	}

	switch m := msg.(type) {
	case protocol.JoinMsg:
		s.handleJoin(c, m)
	case protocol.MessageMsg:
		s.handleMessage(c, m)
	case protocol.PongMsg:
		c.TouchPong()
		userID, _ := c.Membership()
		if userID != 0 && s.presence != nil {
			_ = s.presence.RefreshOnline(context.Background(), userID)
		}
	default:
		s.sendError(c, "unsupported_type", fmt.Sprintf("unsupported message type %q", msgType))
	}
}

// handleJoin registers the connection as a member of a room. A join whose
// id matches no room is retried as a job id; the acknowledgement always
// carries the authoritative room id, which may differ from the requested
// one.
func (s *Server) handleJoin(c *Conn, m protocol.JoinMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID, _ := c.Membership()
	if userID != 0 && m.SenderID != userID {
		s.sendError(c, "auth", "senderId does not match authenticated user")
		return
	}
	if userID == 0 {
		userID = m.SenderID
	}
	if userID <= 0 {
		s.sendError(c, "auth", "authentication required")
		return
	}

	room, err := s.db.RoomByID(ctx, m.ChatRoomID)
	if errors.Is(err, roomdb.ErrNotFound) {
		room, err = s.db.ResolveJobRoom(ctx, m.ChatRoomID, userID)
	}
	if errors.Is(err, roomdb.ErrNotFound) {
		s.sendError(c, "not_found", "room not found")
		return
	}
	if err != nil {
		log.Printf("server: connection %s join lookup failed: %v", c.ID, err)
		s.sendError(c, "internal", "room lookup failed")
		return
	}

	if err := s.db.EnsureParticipant(ctx, room.ID, userID); err != nil {
		if errors.Is(err, roomdb.ErrNotParticipant) {
			s.sendError(c, "forbidden", "not a participant of this room")
			return
		}
		log.Printf("server: connection %s join membership failed: %v", c.ID, err)
		s.sendError(c, "internal", "room membership failed")
		return
	}

	c.SetMembership(userID, room.ID)
	s.conns.Join(c, room.ID)

	if s.bus != nil {
		err := s.bus.SubscribeRoom(room.ID, c.ID, func(data []byte) {
			if err := c.WriteMessage(data); err != nil {
				log.Printf("server: connection %s fan-out write failed: %v", c.ID, err)
			}
		})
		if err != nil {
			log.Printf("server: connection %s room subscription failed: %v", c.ID, err)
		}
	}
	if s.presence != nil {
		_ = s.presence.SetOnline(ctx, userID)
	}

	ack, err := protocol.NewMessage(protocol.TypeJoinAck, protocol.JoinAckMsg{ChatRoomID: room.ID})
	if err == nil {
		err = c.WriteMessage(ack)
	}
	if err != nil {
		log.Printf("server: connection %s join ack failed: %v", c.ID, err)
		return
	}
	log.Printf("server: connection %s joined room %d as user %d", c.ID, room.ID, userID)
}

// handleMessage persists an inbound message and fans the confirmed copy
// out to every channel joined to the room.
func (s *Server) handleMessage(c *Conn, m protocol.MessageMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID, roomID := c.Membership()
	if roomID == 0 {
		s.sendError(c, "not_joined", "join a room before sending")
		return
	}
	if s.limiter != nil {
		ok, _ := s.limiter.Allow(ctx, fmt.Sprintf("%d", userID), ratelimit.RuleMessage)
		if !ok {
			s.sendError(c, "rate_limited", "too many messages, slow down")
			return
		}
	}

	kind := m.Kind
	if kind == "" {
		kind = chat.KindText
	}
	if err := chat.ValidateContent(m.Content, kind); err != nil {
		s.sendError(c, "invalid_message", err.Error())
		return
	}

	stored, err := s.db.Insert(ctx, roomID, userID, m.SenderName, m.Content, kind)
	if err != nil {
		log.Printf("server: connection %s persist failed: %v", c.ID, err)
		s.sendError(c, "internal", "message could not be stored")
		return
	}
	s.fanOut(stored)
}

// fanOut delivers a confirmed message to the room: over NATS when the bus
// is configured (every instance's subscriptions deliver to their local
// channels, this one included), locally otherwise.
func (s *Server) fanOut(msg chat.Message) {
	frame, err := protocol.NewMessage(protocol.TypeMessage, protocol.MessageMsg{Message: msg})
	if err != nil {
		log.Printf("server: build fan-out frame: %v", err)
		return
	}
	if s.bus != nil {
		if err := s.bus.PublishRoom(msg.RoomID, frame); err != nil {
			log.Printf("server: publish room %d: %v", msg.RoomID, err)
		}
		return
	}
	for _, peer := range s.conns.Room(msg.RoomID) {
		if err := peer.WriteMessage(frame); err != nil {
			log.Printf("server: connection %s room write failed: %v", peer.ID, err)
		}
	}
}

// dropConn removes a connection from every index and releases its room
// subscription and presence marker.
func (s *Server) dropConn(c *Conn) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	userID, roomID := c.Membership()
	if s.bus != nil && roomID != 0 {
		_ = s.bus.UnsubscribeRoom(c.ID)
	}
	if s.presence != nil && userID != 0 {
		_ = s.presence.SetOffline(context.Background(), userID)
	}
	log.Printf("server: connection %s closed", c.ID)
}

func (s *Server) sendError(c *Conn, code, message string) {
	data, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err == nil {
		err = c.WriteMessage(data)
	}
	if err != nil {
		log.Printf("server: connection %s error frame failed: %v", c.ID, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
