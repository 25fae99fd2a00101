// Package chat defines the message model shared by every delivery path
// (initial history fetch, push channel, interval poll) along with the
// deduplication bookkeeping that reconciles the same logical message
// arriving over more than one of them.
package chat

import (
	"fmt"
	"strconv"
	"time"
)

// Kind discriminates message content.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image" // content is an opaque uploaded-file reference path
)

// KeyBucket is the timestamp granularity used for provisional dedup keys.
// It absorbs the clock difference between a local echo and the
// store-assigned timestamp of the same message.
const KeyBucket = 5 * time.Second

// Message is one chat message. ID is assigned by the store and is zero for
// a not-yet-confirmed local echo; LocalID identifies echoes until then.
type Message struct {
	ID         int64     `json:"id,omitempty"`
	LocalID    string    `json:"-"`
	RoomID     int64     `json:"chatRoomId"`
	SenderID   int64     `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"messageType"`
	Timestamp  time.Time `json:"timestamp"`
}

// Confirmed reports whether the store has assigned this message its final id.
func (m Message) Confirmed() bool {
	return m.ID != 0
}

// DedupKey returns the identity used to recognize this message across
// transports: the server id once assigned, otherwise the provisional
// composite key.
func (m Message) DedupKey() string {
	if m.ID != 0 {
		return "id:" + strconv.FormatInt(m.ID, 10)
	}
	return m.ProvisionalKey()
}

// ProvisionalKey returns the composite (sender, content, timestamp-bucket)
// key. It is computed even for confirmed messages so that a confirmed copy
// can be matched against a local echo rendered under the composite key.
func (m Message) ProvisionalKey() string {
	bucket := m.Timestamp.Truncate(KeyBucket).Unix()
	return fmt.Sprintf("c:%d|%s|%d", m.SenderID, m.Content, bucket)
}

// Normalize fills wire defaults on a decoded message and returns it with
// its dedup key. Push delivery, poll replacement and the initial fetch all
// key messages through this single function so the dedup semantics cannot
// drift between them.
func Normalize(m Message) (Message, string) {
	if m.Kind == "" {
		m.Kind = KindText
	}
	return m, m.DedupKey()
}
