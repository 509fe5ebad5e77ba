// Package metrics holds the Prometheus instruments of the service.  All
// collectors register with the default registry through promauto and are
// served at GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservations
	ReservationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservations_created_total",
			Help: "Reservation create attempts by outcome",
		},
		[]string{"outcome"}, // ok, capacity_exceeded, duplicate, deadline_passed, authorization_failed, error
	)

	ReservationsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservations_cancelled_total",
			Help: "User cancellations by outcome",
		},
		[]string{"outcome"},
	)

	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_compensations_total",
			Help: "Placeholders rolled back after a failed authorization or attach",
		},
		[]string{"reason"},
	)

	// Funding and settlement
	FundingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_funding_transitions_total",
			Help: "Won funding status transitions by target status and trigger",
		},
		[]string{"status", "trigger"},
	)

	SettlementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_reservations_total",
			Help: "Per-reservation settlement attempts by mode and result",
		},
		[]string{"mode", "result"}, // capture|cancel, settled|pending|skipped
	)

	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_run_duration_seconds",
			Help:    "Duration of a settlement run over one event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SettlementPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settlement_pending_reservations",
			Help: "Reservations waiting for a settlement retry",
		},
	)

	SettlementStuck = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settlement_stuck_reservations",
			Help: "Reservations past the settlement retry budget",
		},
	)

	StaleClaimsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_stale_claims_recovered_total",
			Help: "Expired reservation phases recovered by the sweeper",
		},
		[]string{"phase"},
	)

	// Gateway
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_gateway_requests_total",
			Help: "Payment gateway calls by operation and result",
		},
		[]string{"operation", "result"}, // success, failure, rejected
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_request_duration_seconds",
			Help:    "Payment gateway call latency including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Notifications
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notification publish attempts by type and result",
		},
		[]string{"type", "result"},
	)

	NotificationsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_consumed_total",
			Help: "Notifications received by the consumer",
		},
	)

	// Cache
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Redis cache lookups by cache and result",
		},
		[]string{"cache", "result"}, // cache: event, http; result: hit, miss, error
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordGatewayCall records one logical gateway call.
func RecordGatewayCall(operation, result string, d time.Duration) {
	GatewayRequests.WithLabelValues(operation, result).Inc()
	GatewayLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordSettlement records the outcome of settling one reservation.
func RecordSettlement(mode, result string) {
	SettlementOutcomes.WithLabelValues(mode, result).Inc()
}

// RecordHTTPRequest records a served request.
func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
