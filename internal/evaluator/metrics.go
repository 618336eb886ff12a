package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "evaluator",
			Name:      "evaluations_total",
			Help:      "Finished evaluations by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)

	overallScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "promptgrade",
			Subsystem: "evaluator",
			Name:      "overall_score",
			Help:      "Overall score of successful evaluations.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		},
	)
)
