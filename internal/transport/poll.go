package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jobber/chat-app/internal/chat"
	"github.com/jobber/chat-app/internal/metrics"
	"github.com/jobber/chat-app/internal/store"
)

// Fetcher retrieves the full message history for a room. Satisfied by the
// store client; a fake in tests.
type Fetcher interface {
	FetchMessages(ctx context.Context, roomID int64) ([]chat.Message, error)
}

// PollConfig holds tunable parameters for the poll transport.
type PollConfig struct {
	Interval    time.Duration // cycle period
	MaxNotFound int           // consecutive room-gone cycles before giving up
}

// DefaultPollConfig returns the production defaults: one fetch every 3
// seconds, three consecutive not-found results before the room is
// declared unavailable.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    3 * time.Second,
		MaxNotFound: 3,
	}
}

// PollEvents are the callbacks a poll transport delivers to its session.
type PollEvents struct {
	// OnOpen fires after the first successful fetch.
	OnOpen func()

	// OnReplace delivers the full fetched history each cycle. The session
	// replaces its server-confirmed view wholesale and re-merges.
	OnReplace func(msgs []chat.Message)

	// OnDown fires exactly once when polling stops permanently. The only
	// error it carries is ErrRoomUnavailable; explicit Stop does not fire
	// it.
	OnDown func(err error)
}

// Poll fetches the room history on a fixed interval and hands each result
// to the session wholesale. It is the full-function fallback when no push
// channel can be kept open: delivery still works, only latency degrades
// to the polling interval.
type Poll struct {
	config  PollConfig
	fetcher Fetcher
	events  PollEvents

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	downOnce sync.Once
}

// NewPoll creates a poll transport for the given fetcher.
func NewPoll(config PollConfig, fetcher Fetcher, events PollEvents) *Poll {
	return &Poll{
		config:  config,
		fetcher: fetcher,
		events:  events,
	}
}

// Start begins polling the given room. The first fetch is issued
// immediately, not one interval later. Start is a no-op if the poller is
// already running.
func (p *Poll) Start(roomID int64) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	log.Printf("poll: starting room=%d interval=%s", roomID, p.config.Interval)
	go p.loop(ctx, roomID)
}

// Stop halts polling. Safe to call multiple times; does not fire OnDown.
func (p *Poll) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	log.Printf("poll: stopped")
}

// Running reports whether the poller is active.
func (p *Poll) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poll) loop(ctx context.Context, roomID int64) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	notFound := 0
	opened := false

	for {
		msgs, err := p.fetcher.FetchMessages(ctx, roomID)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
			notFound = 0
			if !opened {
				opened = true
				if p.events.OnOpen != nil {
					p.events.OnOpen()
				}
			}
			if p.events.OnReplace != nil {
				p.events.OnReplace(msgs)
			}

		case store.IsNotFound(err):
			metrics.PollCyclesTotal.WithLabelValues("not_found").Inc()
			notFound++
			log.Printf("poll: room %d not found (%d/%d)", roomID, notFound, p.config.MaxNotFound)
			if notFound >= p.config.MaxNotFound {
				p.mu.Lock()
				p.running = false
				if p.cancel != nil {
					p.cancel()
					p.cancel = nil
				}
				p.mu.Unlock()
				p.fireDown(ErrRoomUnavailable)
				return
			}

		default:
			// Transient failure. Keep the cadence; the counter does not
			// advance because the room was not reported gone.
			metrics.PollCyclesTotal.WithLabelValues("error").Inc()
			log.Printf("poll: room %d fetch failed: %v", roomID, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poll) fireDown(err error) {
	p.downOnce.Do(func() {
		if p.events.OnDown != nil {
			p.events.OnDown(err)
		}
	})
}
