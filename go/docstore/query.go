package docstore

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/arcnet-dev/protocol/go/schema"
)

// StalenessHorizon bounds how old a node's telemetry may be for the
// node to count as live in FindAvailable, LiveNodes, and
// CountByEnergySource.
const StalenessHorizon = 30 * time.Second

// FindOptions refine FindAvailable.
type FindOptions struct {
	// MaxResults bounds the number of returned candidates. Zero means
	// unbounded.
	MaxResults int
	// IncludeStale also returns nodes whose telemetry is older than
	// StalenessHorizon.
	IncludeStale bool
}

// FindAvailable returns nodes within the geohash prefix which have
// modelID loaded, battery at or above minBattery, no active
// reservation, and fresh telemetry. Results order by ascending GPU
// utilization and then by node ID, so equally loaded nodes rank the
// same way on every call.
func (s *Store) FindAvailable(prefix, modelID string, minBattery float64, opts FindOptions) []*schema.NodeDocument {
	var now = s.opts.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.NodeDocument
	for _, e := range s.live {
		var n = e.node
		if n == nil || !strings.HasPrefix(n.Geohash, prefix) {
			continue
		}
		if !opts.IncludeStale && now.Sub(n.LastSeen) > StalenessHorizon {
			continue
		}
		if n.BatteryLevel < minBattery || n.Reservation.Active(now) {
			continue
		}
		if !lo.Contains(n.ModelsLoaded, modelID) {
			continue
		}
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GPUUtilization != out[j].GPUUtilization {
			return out[i].GPUUtilization < out[j].GPUUtilization
		}
		return bytes.Compare(out[i].NodeID[:], out[j].NodeID[:]) < 0
	})

	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}

// LiveNodes returns node documents under the geohash prefix whose
// telemetry is within StalenessHorizon, sorted by node ID.
func (s *Store) LiveNodes(prefix string) []*schema.NodeDocument {
	var now = s.opts.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.NodeDocument
	for _, e := range s.live {
		var n = e.node
		if n == nil || !strings.HasPrefix(n.Geohash, prefix) {
			continue
		}
		if now.Sub(n.LastSeen) > StalenessHorizon {
			continue
		}
		out = append(out, cloneNode(n))
	}
	sortByNodeID(out)
	return out
}

// NodesByGeohashPrefix returns all current node documents under the
// geohash prefix, fresh or stale, sorted by node ID.
func (s *Store) NodesByGeohashPrefix(prefix string) []*schema.NodeDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.NodeDocument
	for _, e := range s.live {
		if e.node == nil || !strings.HasPrefix(e.node.Geohash, prefix) {
			continue
		}
		out = append(out, cloneNode(e.node))
	}
	sortByNodeID(out)
	return out
}

// CountByEnergySource tallies live nodes under the geohash prefix by
// reported energy source.
func (s *Store) CountByEnergySource(prefix string) map[schema.EnergySource]int {
	var now = s.opts.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out = make(map[schema.EnergySource]int)
	for _, e := range s.live {
		var n = e.node
		if n == nil || !strings.HasPrefix(n.Geohash, prefix) {
			continue
		}
		if now.Sub(n.LastSeen) > StalenessHorizon {
			continue
		}
		out[n.EnergySource]++
	}
	return out
}

func sortByNodeID(nodes []*schema.NodeDocument) {
	sort.Slice(nodes, func(i, j int) bool {
		return bytes.Compare(nodes[i].NodeID[:], nodes[j].NodeID[:]) < 0
	})
}

// cloneNode copies a node document so callers can't mutate indexed state.
func cloneNode(n *schema.NodeDocument) *schema.NodeDocument {
	var c = *n
	c.ModelsLoaded = append([]string(nil), n.ModelsLoaded...)
	if n.Reservation != nil {
		var r = *n.Reservation
		c.Reservation = &r
	}
	return &c
}
