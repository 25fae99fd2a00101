// Package metrics provides Prometheus instrumentation for the chat
// delivery subsystem. It exposes gauges for channel and connection counts,
// counters for message flow and transport failures, and histograms for
// send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelsOpen tracks the current number of open push channels.
	ChannelsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobber_chat_channels_open",
		Help: "Current number of open push channels",
	})

	// ReconnectsTotal counts push channel reconnect attempts.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobber_chat_reconnects_total",
		Help: "Total number of push channel reconnect attempts",
	})

	// FallbacksTotal counts downgrades from push to poll mode.
	FallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobber_chat_fallbacks_total",
		Help: "Total number of downgrades from push to poll delivery",
	})

	// MessagesTotal counts messages flowing through a session, labeled by
	// disposition: "sent", "received", or "deduped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobber_chat_messages_total",
		Help: "Total number of messages processed by chat sessions",
	}, []string{"type"})

	// PollCyclesTotal counts poll transport cycles by outcome.
	PollCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobber_chat_poll_cycles_total",
		Help: "Total number of poll cycles by outcome",
	}, []string{"result"}) // result = "ok", "not_found", "error"

	// SendLatency records the time from SendMessage to store confirmation.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobber_chat_send_latency_seconds",
		Help:    "Latency from send to store confirmation in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// ConnectionsTotal tracks active WebSocket connections on the push
	// endpoint (server side).
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobber_chat_connections_total",
		Help: "Current number of active WebSocket connections on the push endpoint",
	})
)

func init() {
	prometheus.MustRegister(
		ChannelsOpen,
		ReconnectsTotal,
		FallbacksTotal,
		MessagesTotal,
		PollCyclesTotal,
		SendLatency,
		ConnectionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
