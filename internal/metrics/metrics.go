// Package metrics provides Prometheus metrics for the conversation event stream.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded on EventsDropped.
const (
	DropOrphan    = "orphan"
	DropStale     = "stale"
	DropMalformed = "malformed"
	DropCompleted = "completed"
)

var (
	// ConnectionTransitions tracks connection status changes.
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convstream_connection_transitions_total",
			Help: "Total number of connection status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	// ReconnectAttempts tracks redials made by the reconnect policy.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convstream_reconnect_attempts_total",
			Help: "Total number of transport redial attempts",
		},
	)

	// ActiveSessions tracks the number of live sessions in the registry.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convstream_active_sessions",
			Help: "Number of currently registered sessions",
		},
	)

	// EventsSent tracks outbound events by kind.
	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convstream_events_sent_total",
			Help: "Total number of events written to the transport",
		},
		[]string{"kind"},
	)

	// EventsDispatched tracks events delivered to a live stream object.
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convstream_events_dispatched_total",
			Help: "Total number of events dispatched to stream handlers",
		},
		[]string{"kind"},
	)

	// EventsDropped tracks events discarded by the dispatcher.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convstream_events_dropped_total",
			Help: "Total number of events dropped by the dispatcher",
		},
		[]string{"kind", "reason"},
	)

	// SubscriberPanics tracks recovered panics in event subscribers.
	SubscriberPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convstream_subscriber_panics_total",
			Help: "Total number of panics recovered from event subscribers",
		},
		[]string{"kind"},
	)

	// RESTRequestDuration tracks REST collaborator latency.
	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convstream_rest_request_duration_seconds",
			Help:    "Duration of REST requests to the agent service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
)

// RecordTransition records a connection status change.
func RecordTransition(from, to string) {
	ConnectionTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconnectAttempt increments the redial counter.
func RecordReconnectAttempt() {
	ReconnectAttempts.Inc()
}

// RecordSessionOpened increments the active session gauge.
func RecordSessionOpened() {
	ActiveSessions.Inc()
}

// RecordSessionClosed decrements the active session gauge.
func RecordSessionClosed() {
	ActiveSessions.Dec()
}

func RecordSent(kind string) {
	EventsSent.WithLabelValues(kind).Inc()
}

func RecordDispatched(kind string) {
	EventsDispatched.WithLabelValues(kind).Inc()
}

func RecordDropped(kind, reason string) {
	EventsDropped.WithLabelValues(kind, reason).Inc()
}

func RecordSubscriberPanic(kind string) {
	SubscriberPanics.WithLabelValues(kind).Inc()
}

// RecordRESTRequest observes one REST call.
func RecordRESTRequest(operation, status string, seconds float64) {
	RESTRequestDuration.WithLabelValues(operation, status).Observe(seconds)
}

// Serve exposes the default registry on addr until the server is closed.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}
