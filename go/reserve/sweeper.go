package reserve

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// DefaultSweepInterval is the period of QueueSweeper when none is given.
const DefaultSweepInterval = 10 * time.Second

// Sweep clears expired reservations from every node document and
// returns how many were removed. Nodes which race with a concurrent
// writer are skipped; a later pass picks them up.
func (m *Manager) Sweep() (int, error) {
	var now = m.now()
	var swept int

	for _, node := range m.store.NodesByGeohashPrefix("") {
		if node.Reservation == nil || node.Reservation.Active(now) {
			continue
		}
		var doc, ok = m.store.Get(node.NodeID.String())
		if !ok {
			continue
		}
		if err := m.patch(doc, nil, now); err != nil {
			if errors.Is(err, ErrRaceCondition) {
				continue
			}
			return swept, err
		}
		swept++

		log.WithFields(log.Fields{
			"node":    node.NodeID,
			"request": node.Reservation.RequestID,
			"expired": node.Reservation.ExpiresAt,
		}).Debug("swept expired reservation")
	}

	if swept != 0 {
		sweptReservations.Add(float64(swept))
		log.WithField("count", swept).Info("swept expired reservations")
	}
	return swept, nil
}

// QueueSweeper queues a task which sweeps expired reservations every
// |interval| until the task group is cancelled.
func (m *Manager) QueueSweeper(tasks *task.Group, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	tasks.Queue("reserve.sweeper", func() error {
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
				if _, err := m.Sweep(); err != nil {
					log.WithField("err", err).Warn("reservation sweep failed")
				}
			}
		}
	})
}
