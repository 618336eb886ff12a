package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "generation",
			Name:      "calls_total",
			Help:      "Generation calls by provider and outcome kind.",
		},
		[]string{"provider", "outcome"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptgrade",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Generation call latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"provider"},
	)

	generationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Tokens reported by providers.",
		},
		[]string{"provider", "direction"},
	)

	providerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "generation",
			Name:      "fallbacks_total",
			Help:      "Cascade fall-throughs away from a provider after a transient failure.",
		},
		[]string{"provider"},
	)

	redactedPrompts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "generation",
			Name:      "redacted_secrets_total",
			Help:      "Secrets removed from prompts before sending.",
		},
	)
)
