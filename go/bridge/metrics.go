package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcnet_bridge_classifications_total",
		Help: "Training job classifications, by target and reason.",
	}, []string{"target", "reason"})

	bridgeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcnet_bridge_outcomes_total",
		Help: "Per-cycle dispositions of bridged training jobs.",
	}, []string{"outcome"})
)
