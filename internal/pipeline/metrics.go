package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "pipeline",
			Name:      "step_runs_total",
			Help:      "Executed pipeline steps by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptgrade",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Wall time of a pipeline step.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		},
		[]string{"step"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptgrade",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a pipeline run by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"outcome"},
	)
)
