// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections and online users, counters for routed events
// and policy denials, and histograms for persistence and message latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duochat/chat-server/internal/delivery"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users present in the session registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_online_users",
		Help: "Current number of users with a registered session",
	})

	// EventsRouted counts outbound events by type, outcome and kind.
	EventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_events_routed_total",
		Help: "Total number of outbound events routed",
	}, []string{"type", "outcome", "kind"}) // kind = "forward", "reply"

	// PolicyDenied counts deliveries refused because of a block relation.
	PolicyDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duochat_policy_denied_total",
		Help: "Total number of actions refused by the access policy",
	})

	// RateLimited counts commands rejected by the rate limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duochat_rate_limited_total",
		Help: "Total number of commands rejected by rate limiting",
	})

	// PersistLatency records store call latency in seconds, labeled by
	// operation.
	PersistLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duochat_persist_latency_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// MessageLatency records send_message processing latency in seconds, from
	// frame dispatch to the sender's acknowledgment.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duochat_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsRouted,
		PolicyDenied,
		RateLimited,
		PersistLatency,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePersist records the latency of a store operation started at start.
func ObservePersist(op string, start time.Time) {
	PersistLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// DeliveryObserver counts every routed event.
type DeliveryObserver struct{}

// Observe implements delivery.Observer.
func (DeliveryObserver) Observe(d delivery.Delivery) {
	kind := "forward"
	if d.Reply {
		kind = "reply"
	}
	EventsRouted.WithLabelValues(d.Event.Type(), d.Outcome.String(), kind).Inc()
}
