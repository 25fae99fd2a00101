package server

import (
	"log"
	"time"

	"github.com/jobber/chat-app/internal/protocol"
)

// heartbeatConfig holds keepalive tuning parameters.
type heartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // max time to wait for a pong after a ping
}

func defaultHeartbeatConfig() heartbeatConfig {
	return heartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically sends
// ping frames to all connections and drops those that have gone silent.
// The ping is a JSON frame, not a protocol-level ping, because clients
// reply at the application layer per the wire contract.
func startHeartbeat(s *Server, config heartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				sweepConnections(s, config)
			}
		}
	}()
}

// sweepConnections drops connections without keepalive activity within
// Interval + Timeout and pings the rest.
func sweepConnections(s *Server, config heartbeatConfig) {
	ping, err := protocol.NewMessage(protocol.TypePing, protocol.PingMsg{})
	if err != nil {
		log.Printf("server: build ping frame: %v", err)
		return
	}

	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if now.Sub(c.LastPong()) > deadline {
			log.Printf("server: connection %s heartbeat timeout, last activity %s ago",
				c.ID, now.Sub(c.LastPong()).Round(time.Second))
			s.dropConn(c)
			continue
		}
		if err := c.WriteMessage(ping); err != nil {
			log.Printf("server: connection %s ping failed: %v", c.ID, err)
			s.dropConn(c)
		}
	}
}
