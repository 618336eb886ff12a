package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "history",
			Name:      "operations_total",
			Help:      "History store operations by backend, operation and status.",
		},
		[]string{"backend", "operation", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptgrade",
			Subsystem: "history",
			Name:      "operation_duration_seconds",
			Help:      "Latency of history store operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
)

func observe(backend, op string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	operations.WithLabelValues(backend, op, status).Inc()
	operationDuration.WithLabelValues(backend, op).Observe(seconds)
}
