// Package metrics provides Prometheus instrumentation for the chat
// service: gauges for live connections, counters for message and
// broadcast throughput, and a histogram for request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveConnections tracks the current number of registered push
	// connections across all chats.
	LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_live_connections",
		Help: "Current number of registered live push connections",
	})

	// MessagesTotal counts message mutations by action: "sent",
	// "edited", "deleted".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of message mutations",
	}, []string{"action"})

	// EventsBroadcast counts events delivered through the registry,
	// labeled by event type.
	EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_broadcast_total",
		Help: "Total number of events broadcast to live connections",
	}, []string{"type"})

	// BroadcastFailures counts pushes that failed and caused the
	// connection to be pruned from the registry.
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_failures_total",
		Help: "Total number of failed pushes that pruned a connection",
	})

	// AttachmentBytes counts bytes accepted into the attachment store.
	AttachmentBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_attachment_bytes_total",
		Help: "Total attachment bytes stored",
	})

	// RequestDuration records HTTP request latency in seconds by route.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		LiveConnections,
		MessagesTotal,
		EventsBroadcast,
		BroadcastFailures,
		AttachmentBytes,
		RequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
