// Package messaging provides the NATS fan-out layer between push endpoint
// instances. A message posted through any instance is published on the
// room's subject and delivered to every instance holding an open channel
// for that room, so two participants need not be connected to the same
// process.
package messaging

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoom is the subject prefix for room fan-out: chat.room.<roomID>.
const SubjectRoom = "chat.room"

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-app",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Client wraps the NATS connection with room-scoped pub/sub helpers.
// Subscriptions are keyed by subscriber id, so multiple channels on the
// same instance can follow the same room without overwriting each other.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS with the given config and returns a ready client.
func Connect(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// roomSubject builds the subject for a room.
func roomSubject(roomID int64) string {
	return SubjectRoom + "." + strconv.FormatInt(roomID, 10)
}

// PublishRoom publishes a wire frame on the room's subject.
func (c *Client) PublishRoom(roomID int64, data []byte) error {
	return c.conn.Publish(roomSubject(roomID), data)
}

// SubscribeRoom registers a handler for the room's subject under the given
// subscriber id (typically the channel handle id).
func (c *Client) SubscribeRoom(roomID int64, subscriberID string, handler func(data []byte)) error {
	subject := roomSubject(roomID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subscriberID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom drops a subscriber's room subscription.
func (c *Client) UnsubscribeRoom(subscriberID string) error {
	c.mu.Lock()
	sub, ok := c.subs[subscriberID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", subscriberID)
	}
	delete(c.subs, subscriberID)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subscriberID, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", id, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
