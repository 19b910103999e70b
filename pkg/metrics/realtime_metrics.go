package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime metrics for the session core: connections, event dispatch,
// call lifecycle and block policy enforcement.
var (
	// Connection registry metrics
	RealtimeConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	RealtimeUsersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_users_online",
		Help: "Current number of users with at least one live connection",
	})

	// Event router metrics
	RealtimeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Total number of inbound events dispatched by the router",
	}, []string{"kind", "status"}) // status: "ok", "rejected"

	RealtimeEventErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_event_errors_total",
		Help: "Total number of events rejected, by error code",
	}, []string{"code"})

	// Block policy metrics
	BlockedDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_blocked_deliveries_total",
		Help: "Total number of outbound events silently dropped by block policy",
	})

	BlockLookupFailClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_block_lookup_fail_closed_total",
		Help: "Total number of block lookups that failed and defaulted to blocked",
	})

	// Call lifecycle metrics
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_calls_active",
		Help: "Current number of non-terminal call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_calls_total",
		Help: "Total number of terminal call sessions",
	}, []string{"call_type", "outcome"}) // outcome: "ended", "missed"

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_call_duration_seconds",
		Help:    "Duration of calls that reached the ongoing state",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	CallPersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_call_persist_failures_total",
		Help: "Total number of failed call history writes",
	})

	// HTTP metrics for the handshake surface
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
