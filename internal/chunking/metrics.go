package chunking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunkCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "promptgrade",
		Subsystem: "chunking",
		Name:      "chunks_per_input",
		Help:      "Number of chunks produced for inputs over the threshold.",
		Buckets:   []float64{2, 3, 4, 6, 8, 12, 16, 24, 32},
	})

	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "promptgrade",
		Subsystem: "chunking",
		Name:      "evaluation_duration_seconds",
		Help:      "Wall time to evaluate all chunks of one input.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	chunkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "promptgrade",
		Subsystem: "chunking",
		Name:      "failed_chunks_total",
		Help:      "Chunks whose evaluation failed.",
	})
)
