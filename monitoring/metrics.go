package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_operations_total",
			Help: "Settlement operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	confirmationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chain_confirmation_seconds",
			Help:    "Time from submission to confirmed event log",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"operation"},
	)

	reconcileFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_reconcile_failures_total",
			Help: "Confirmation windows that closed without a matching event log",
		},
	)

	accessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Gate access decisions",
		},
		[]string{"decision"},
	)

	expiredTickets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expired_tickets_total",
			Help: "Tickets expired by the sweeper per event",
		},
		[]string{"event_id"},
	)
)

// Monitor is the metrics sink shared by the services.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// TrackSettlement records one settlement operation outcome.
func (m *Monitor) TrackSettlement(operation, result string) {
	settlementOperations.WithLabelValues(operation, result).Inc()
}

// TrackConfirmation records submission-to-confirmation latency.
func (m *Monitor) TrackConfirmation(operation string, d time.Duration) {
	confirmationLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// TrackReconcileFailure counts a confirmation window that closed
// without finding the expected event log.
func (m *Monitor) TrackReconcileFailure() {
	reconcileFailures.Inc()
}

// TrackAccessDecision records a granted or denied gate decision.
func (m *Monitor) TrackAccessDecision(decision string) {
	accessDecisions.WithLabelValues(decision).Inc()
}

// TrackExpired counts tickets expired by one sweep of an event.
func (m *Monitor) TrackExpired(eventID string, count int) {
	expiredTickets.WithLabelValues(eventID).Add(float64(count))
}
