package regional

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/arcnet-dev/protocol/go/docstore"
	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transport"
)

// DefaultAggregateInterval is the period of summary passes.
const DefaultAggregateInterval = 10 * time.Second

// Aggregator periodically summarizes the live mesh, publishing one
// RegionalSummary per geozone which has live nodes.
type Aggregator struct {
	Store    *docstore.Store
	Producer transport.Publisher
	// Now is the summary clock. Defaults to time.Now.
	Now func() time.Time
	// Interval between passes (default 10s).
	Interval time.Duration
}

// QueueTasks queues the aggregation ticker. Passes are skipped while
// the store reports unhealthy, and a failed pass is logged rather than
// halting the ticker.
func (a *Aggregator) QueueTasks(tasks *task.Group) {
	var interval = a.Interval
	if interval <= 0 {
		interval = DefaultAggregateInterval
	}
	tasks.Queue("regional.aggregator", func() error {
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
				if !a.Store.Healthy() {
					log.Warn("skipping summary pass (store unhealthy)")
					continue
				}
				if err := a.Aggregate(tasks.Context()); err != nil {
					log.WithField("err", err).Warn("summary pass failed")
				}
			}
		}
	})
}

// Aggregate runs one summary pass over the live mesh.
func (a *Aggregator) Aggregate(context.Context) error {
	var byZone = lo.GroupBy(a.Store.LiveNodes(""), func(n *schema.NodeDocument) string {
		return n.GeozoneID
	})
	var zones = lo.Keys(byZone)
	sort.Strings(zones)

	var at = a.now()
	for _, zone := range zones {
		var summary = Summarize(zone, byZone[zone], at)
		if _, err := a.Producer.Send(arcLabels.RegionalSummaries, zone, summary, nil); err != nil {
			return fmt.Errorf("publishing summary of %s: %w", zone, err)
		}
		summariesPublished.Inc()
		liveNodes.WithLabelValues(zone).Set(float64(summary.ActiveNodes))
	}

	log.WithFields(log.Fields{
		"geozones": len(zones),
		"staleCut": docstore.StalenessHorizon,
	}).Debug("published regional summaries")
	return nil
}

// Summarize folds the live nodes of one geozone into its summary. A GPU
// counts as available when its node holds no active reservation.
func Summarize(zone string, nodes []*schema.NodeDocument, at time.Time) *schema.RegionalSummary {
	var s = &schema.RegionalSummary{
		SchemaVersion:      1,
		GeozoneID:          zone,
		ComputedAt:         at,
		ActiveNodes:        len(nodes),
		EnergySourceCounts: make(map[schema.EnergySource]int),
	}
	for _, n := range nodes {
		if !n.Reservation.Active(at) {
			s.AvailableGPUs++
		}
		s.AvgBatteryLevel += n.BatteryLevel
		s.AvgGPUUtilization += n.GPUUtilization
		s.EnergySourceCounts[n.EnergySource]++
	}
	if len(nodes) != 0 {
		s.AvgBatteryLevel /= float64(len(nodes))
		s.AvgGPUUtilization /= float64(len(nodes))
	}
	return s
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
