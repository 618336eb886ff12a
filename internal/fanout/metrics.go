package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fanoutCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "promptgrade",
		Subsystem: "fanout",
		Name:      "executions_total",
		Help:      "Fan-out invocations by outcome.",
	},
	[]string{"outcome"},
)
