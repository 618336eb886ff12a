package branching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	branchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "branching",
			Name:      "branches_total",
			Help:      "Generated branches by outcome.",
		},
		[]string{"outcome"},
	)

	selectionFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgrade",
			Subsystem: "branching",
			Name:      "selection_fallbacks_total",
			Help:      "Selections decided by a fallback policy.",
		},
		[]string{"policy"},
	)
)
