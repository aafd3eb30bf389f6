package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcnet_scheduler_decisions_total",
		Help: "Scheduling outcomes: dispatched, retried, or rejected.",
	}, []string{"outcome"})

	reservationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcnet_scheduler_reservation_conflicts_total",
		Help: "Reservation attempts lost to a concurrent claimant.",
	})
)
