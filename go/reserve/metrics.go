package reserve

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reserveOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcnet_reservation_ops_total",
		Help: "Reservation operations, by operation and outcome.",
	}, []string{"op", "status"})

	sweptReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcnet_reservations_swept_total",
		Help: "Expired reservations cleared by the sweeper.",
	})
)

func countOp(op string, err error) {
	var status string
	switch {
	case err == nil:
		status = "ok"
	case errors.Is(err, ErrAlreadyReserved), errors.Is(err, ErrNotOwner):
		status = "conflict"
	case errors.Is(err, ErrRaceCondition):
		status = "race"
	case errors.Is(err, ErrNoReservation), errors.Is(err, ErrAlreadyExpired):
		status = "lapsed"
	case errors.Is(err, ErrNodeNotFound):
		status = "missing"
	default:
		status = "error"
	}
	reserveOps.WithLabelValues(op, status).Inc()
}
