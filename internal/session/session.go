// Package session orchestrates one room's chat state: it resolves the
// room, seeds history from the store, runs the push channel with poll
// fallback, and owns the deduplicated visible message list together with
// the optimistic local echo bookkeeping. The session is the sole writer
// of the visible list; everything the UI renders comes from here.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobber/chat-app/internal/auth"
	"github.com/jobber/chat-app/internal/chat"
	"github.com/jobber/chat-app/internal/metrics"
	"github.com/jobber/chat-app/internal/store"
	"github.com/jobber/chat-app/internal/transport"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Store is the durable message store as the session consumes it.
// Satisfied by *store.Client.
type Store interface {
	ResolveRoom(ctx context.Context, jobID int64) (store.RoomRef, error)
	FetchMessages(ctx context.Context, roomID int64) ([]chat.Message, error)
	PostMessage(ctx context.Context, roomID, senderID int64, senderName, content string, kind chat.Kind) (chat.Message, error)
	MarkRead(ctx context.Context, roomID int64) bool
}

// Config holds session tuning parameters.
type Config struct {
	Push       transport.PushConfig
	Poll       transport.PollConfig
	SenderName string
}

// DefaultConfig returns the production defaults for both transports.
func DefaultConfig() Config {
	return Config{
		Push: transport.DefaultPushConfig(),
		Poll: transport.DefaultPollConfig(),
	}
}

// Status is the UI-facing view of the session's health.
type Status struct {
	Connected    bool
	Loading      bool
	Err          bool
	ErrorMessage string
}

// Session owns one room's chat state. All state mutation happens behind
// one mutex, so merges from the push channel, the poller, and the send
// path never interleave.
type Session struct {
	config   Config
	gate     *auth.Gate
	store    Store
	dialer   transport.Dialer
	registry *transport.Registry

	mu        sync.Mutex
	roomID    int64
	senderID  int64
	messages  []chat.Message
	dedup     *chat.DedupSet
	push      *transport.Push
	poll      *transport.Poll
	connected bool
	loading   bool
	errMsg    string
	closed    bool
}

// New creates a session. Start or StartJob must be called before use.
func New(config Config, gate *auth.Gate, st Store, dialer transport.Dialer, registry *transport.Registry) *Session {
	return &Session{
		config:   config,
		gate:     gate,
		store:    st,
		dialer:   dialer,
		registry: registry,
		dedup:    chat.NewDedupSet(),
	}
}

// StartJob resolves the job's room, creating it server-side if absent,
// then starts the session on it.
func (s *Session) StartJob(ctx context.Context, jobID int64) error {
	if !s.gate.Valid() {
		s.setTerminal("authentication required: please sign in")
		return auth.ErrAuthRequired
	}
	ref, err := s.store.ResolveRoom(ctx, jobID)
	if err != nil {
		s.setTerminal(resolveErrText(err))
		return err
	}
	return s.Start(ctx, ref.ID)
}

// Start seeds the session from the room's history and brings up the push
// channel. When the caller holds no valid identity material the session
// enters a terminal auth error state without opening any transport.
func (s *Session) Start(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.roomID = roomID
	s.senderID = s.gate.UserID()
	s.loading = true
	s.mu.Unlock()

	if !s.gate.Valid() {
		s.setTerminal("authentication required: please sign in")
		return auth.ErrAuthRequired
	}

	history, err := s.store.FetchMessages(ctx, roomID)
	if err != nil {
		s.setTerminal(resolveErrText(err))
		return fmt.Errorf("session: load history: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, m := range history {
		m, key := chat.Normalize(m)
		s.messages = admit(s.messages, s.dedup, m, key)
	}
	s.loading = false
	s.mu.Unlock()

	log.Printf("session: room %d seeded with %d messages", roomID, len(history))
	s.startPush()
	return nil
}

// startPush builds and starts a push transport wired to this session.
func (s *Session) startPush() {
	events := transport.Events{
		OnOpen:          s.onPushOpen,
		OnMessage:       s.merge,
		OnRoomCorrected: s.onRoomCorrected,
		OnDown:          s.onPushDown,
	}
	p := transport.NewPush(s.config.Push, s.dialer, s.gate, s.registry, events)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.push = p
	roomID, senderID := s.roomID, s.senderID
	s.mu.Unlock()

	p.Start(roomID, senderID)
}

func (s *Session) onPushOpen() {
	s.mu.Lock()
	if !s.closed {
		s.connected = true
	}
	s.mu.Unlock()
}

func (s *Session) onRoomCorrected(roomID int64) {
	s.mu.Lock()
	if !s.closed {
		log.Printf("session: adopting corrected room %d (was %d)", roomID, s.roomID)
		s.roomID = roomID
	}
	s.mu.Unlock()
}

// onPushDown handles permanent loss of the push channel. Auth denials are
// terminal with no fallback; anything else downgrades to poll mode, which
// is fully functional at degraded latency.
func (s *Session) onPushDown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.push = nil
	if errors.Is(err, auth.ErrAuthRequired) {
		s.loading = false
		s.errMsg = "authentication required: please sign in"
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	metrics.FallbacksTotal.Inc()
	log.Printf("session: room %d push channel lost, switching to poll: %v", s.RoomID(), err)
	s.startPoll()
}

// startPoll activates the interval poller against the store.
func (s *Session) startPoll() {
	events := transport.PollEvents{
		OnOpen:    s.onPushOpen, // same semantics: send-via-store works from the first fetch
		OnReplace: s.replaceFromPoll,
		OnDown:    s.onPollDown,
	}
	p := transport.NewPoll(s.config.Poll, s.store, events)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.poll = p
	roomID := s.roomID
	s.mu.Unlock()

	p.Start(roomID)
}

func (s *Session) onPollDown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.poll = nil
	s.errMsg = "conversation no longer available"
	s.mu.Unlock()
	log.Printf("session: room %d polling stopped: %v", s.RoomID(), err)
}

// merge folds one incoming message into the visible list.
func (s *Session) merge(msg chat.Message, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	msg, key = chat.Normalize(msg)
	s.messages = admit(s.messages, s.dedup, msg, key)
}

// admit folds one normalized message into a list: at most one entry per
// dedup key, and a confirmed copy whose provisional key matches an
// unconfirmed local echo replaces that echo in place. A second confirmed
// row of the same logical message is dropped by its provisional key (the
// channel path and the store path can both persist one send). History
// seeding, push merge and poll replacement all admit through this one
// function. The caller holds the session mutex or owns the list outright.
func admit(list []chat.Message, set *chat.DedupSet, m chat.Message, key string) []chat.Message {
	if set.Has(key) {
		metrics.MessagesTotal.WithLabelValues("deduped").Inc()
		return list
	}

	if m.Confirmed() {
		prov := m.ProvisionalKey()
		if set.Has(prov) {
			set.Add(key)
			for i := range list {
				if !list[i].Confirmed() && list[i].ProvisionalKey() == prov {
					list[i] = m
					return list
				}
			}
			// The logical message is already rendered under another id.
			metrics.MessagesTotal.WithLabelValues("deduped").Inc()
			return list
		}
		set.Add(key)
		set.Add(prov)
		return append(list, m)
	}

	set.Add(key)
	return append(list, m)
}

// replaceFromPoll swaps in a freshly fetched history wholesale: the store
// is the source of truth in poll mode. Unconfirmed local echoes survive
// the swap unless the fetched list already contains their confirmed copy.
func (s *Session) replaceFromPoll(fetched []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	fresh := chat.NewDedupSet()
	list := make([]chat.Message, 0, len(fetched)+4)
	for _, m := range fetched {
		m, key := chat.Normalize(m)
		list = admit(list, fresh, m, key)
	}
	for _, m := range s.messages {
		if m.Confirmed() {
			continue
		}
		if fresh.Has(m.ProvisionalKey()) {
			continue
		}
		fresh.Add(m.ProvisionalKey())
		list = append(list, m)
	}
	s.messages = list
	s.dedup = fresh
}

// SendMessage validates and sends one message. An optimistic echo is
// appended immediately. When the push channel is open the message goes
// over it as well, but the store write is always the durability path; a
// failed channel send only costs latency. A store failure is surfaced to
// the caller while the echo stays visible, since the channel may still
// have delivered it.
func (s *Session) SendMessage(ctx context.Context, content string, kind chat.Kind) error {
	if err := chat.ValidateContent(content, kind); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	echo := chat.Message{
		LocalID:    uuid.New().String(),
		RoomID:     s.roomID,
		SenderID:   s.senderID,
		SenderName: s.config.SenderName,
		Content:    content,
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
	}
	s.dedup.Add(echo.ProvisionalKey())
	s.messages = append(s.messages, echo)
	roomID, senderID, senderName := s.roomID, s.senderID, s.config.SenderName
	push := s.push
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	start := time.Now()

	if push != nil && push.State() == transport.StateOpen {
		if err := push.SendMessage(echo); err != nil {
			log.Printf("session: channel send failed, store path still applies: %v", err)
		}
	}

	confirmed, err := s.store.PostMessage(ctx, roomID, senderID, senderName, content, kind)
	if err != nil {
		// The echo stays visible: the channel may have delivered it.
		log.Printf("session: persist message in room %d failed: %v", roomID, err)
		return fmt.Errorf("session: persist message: %w", err)
	}
	metrics.SendLatency.Observe(time.Since(start).Seconds())

	s.confirmEcho(echo.LocalID, confirmed)
	return nil
}

// confirmEcho replaces the local echo with the store-assigned copy. If a
// push-delivered copy of the same message got there first, the echo is
// already replaced and only the id key needs recording.
func (s *Session) confirmEcho(localID string, confirmed chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	key := confirmed.DedupKey()
	if s.dedup.Has(key) {
		return
	}
	s.dedup.Add(key)
	for i := range s.messages {
		if s.messages[i].LocalID == localID && !s.messages[i].Confirmed() {
			s.messages[i] = confirmed
			return
		}
	}
}

// Uploader stores image bytes and returns their opaque reference path.
// Satisfied by *store.Client.
type Uploader interface {
	UploadImage(ctx context.Context, filename string, data []byte) (string, error)
}

// SendImage uploads image bytes through the given uploader and sends the
// returned reference path as an image message.
func (s *Session) SendImage(ctx context.Context, uploader Uploader, filename string, data []byte) error {
	path, err := uploader.UploadImage(ctx, filename, data)
	if err != nil {
		return fmt.Errorf("session: upload image: %w", err)
	}
	return s.SendMessage(ctx, path, chat.KindImage)
}

// MarkRead records that the caller has read the room. Best effort.
func (s *Session) MarkRead(ctx context.Context) bool {
	s.mu.Lock()
	roomID, closed := s.roomID, s.closed
	s.mu.Unlock()
	if closed || roomID == 0 {
		return false
	}
	return s.store.MarkRead(ctx, roomID)
}

// Messages returns a copy of the current visible message list.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// RoomID returns the session's current room id.
func (s *Session) RoomID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Connected reports whether a delivery path is currently established.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Status returns the UI-facing status flags.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:    s.connected,
		Loading:      s.loading,
		Err:          s.errMsg != "",
		ErrorMessage: s.errMsg,
	}
}

// Close tears the session down: the push channel closes with code 1000,
// polling stops, and the message list and dedup set are discarded. A new
// session starts cold. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	push, poll := s.push, s.poll
	s.push, s.poll = nil, nil
	s.messages = nil
	s.dedup.Clear()
	s.mu.Unlock()

	if push != nil {
		push.Close("session closed")
	}
	if poll != nil {
		poll.Stop()
	}
}

// setTerminal records a terminal error state requiring a fresh session.
func (s *Session) setTerminal(msg string) {
	s.mu.Lock()
	s.loading = false
	s.connected = false
	s.errMsg = msg
	s.mu.Unlock()
}

// resolveErrText maps store errors to the distinct user-facing messages.
func resolveErrText(err error) string {
	switch {
	case store.IsNotFound(err):
		return "conversation not found"
	case store.IsForbidden(err):
		return "you do not have access to this conversation"
	default:
		return err.Error()
	}
}
