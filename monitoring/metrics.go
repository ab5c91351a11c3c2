package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_length_total",
			Help: "Current number of waiting participants per queue",
		},
		[]string{"queue_id", "source"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)

	degradedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_degraded_responses_total",
			Help: "Responses computed from the ledger because the fast store could not answer",
		},
		[]string{"operation"},
	)

	compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_compensations_total",
			Help: "Saga compensations by step and outcome",
		},
		[]string{"saga", "step", "status"},
	)

	storeCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fast_store_call_duration_seconds",
			Help:    "Duration of fast store calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation", "status"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Track queue operations
func TrackQueueOperation(operation, status string) {
	queueOperations.WithLabelValues(operation, status).Inc()
}

func TrackDegraded(operation string) {
	degradedResponses.WithLabelValues(operation).Inc()
}

func TrackCompensation(saga, step, status string) {
	compensations.WithLabelValues(saga, step, status).Inc()
}

func ObserveStoreCall(operation, status string, d time.Duration) {
	storeCallDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// SetQueueLength records the line length as seen by source ("fast_store" or "ledger").
func SetQueueLength(queueID int64, source string, n int) {
	queueLength.WithLabelValues(strconv.FormatInt(queueID, 10), source).Set(float64(n))
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
