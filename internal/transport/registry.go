package transport

import (
	"sync"
)

// Channel is the registry's non-owning view of one open push channel. The
// PushTransport that created the channel remains its sole owner; the
// registry only holds a lookup reference for bulk operations.
type Channel interface {
	ID() string
	Label() string
	RoomID() int64
	State() State
	Send(data []byte) error
	CloseWith(code uint16, reason string) error
}

// Registry is a process-wide, thread-safe table of active push channels
// keyed by handle id. It supports lookup, broadcast for diagnostics, and
// bulk teardown on logout so no channel from a previous identity survives
// into a new session.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel to the table. A channel registering under an id
// already present silently replaces the previous entry.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	r.channels[ch.ID()] = ch
	r.mu.Unlock()
}

// Unregister removes a channel by id. Returns true if the channel was
// found and removed, false if it was already gone.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	return ok
}

// Get returns the channel for the given id, or nil if not found.
func (r *Registry) Get(id string) Channel {
	r.mu.RLock()
	ch := r.channels[id]
	r.mu.RUnlock()
	return ch
}

// Count returns the current number of tracked channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.channels)
	r.mu.RUnlock()
	return n
}

// CloseAll closes every tracked channel that is not already closed, clears
// the table, and returns the number of channels closed. Used when a user
// logs out.
func (r *Registry) CloseAll(code uint16, reason string) int {
	r.mu.Lock()
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]Channel)
	r.mu.Unlock()

	closed := 0
	for _, ch := range channels {
		if ch.State() == StateClosed {
			continue
		}
		_ = ch.CloseWith(code, reason)
		closed++
	}
	return closed
}

// Broadcast sends data to every open channel matching the filter (nil
// matches all) and returns the number of channels written to. Errors on
// individual channels are ignored — this path exists for diagnostics and
// administrative tooling, not message delivery.
func (r *Registry) Broadcast(data []byte, filter func(Channel) bool) int {
	r.mu.RLock()
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	sent := 0
	for _, ch := range channels {
		if ch.State() != StateOpen {
			continue
		}
		if filter != nil && !filter(ch) {
			continue
		}
		if err := ch.Send(data); err == nil {
			sent++
		}
	}
	return sent
}
