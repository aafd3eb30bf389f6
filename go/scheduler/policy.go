// Package scheduler matches inference requests to available nodes. Each
// request is scored against the candidate nodes of its region, the best
// node is reserved, and a dispatch command is issued to that node's
// geozone. Requests which can't be placed are requeued with a bounded
// retry budget, then rejected.
package scheduler

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/arcnet-dev/protocol/go/schema"
)

// Policy configures candidate selection and scoring. The zero value is
// not usable; start from DefaultPolicy.
type Policy struct {
	// WeightGeozone is added when a candidate shares the requester's
	// geozone.
	WeightGeozone float64 `json:"weightGeozone"`
	// WeightEnergy scales the candidate's energy source rank.
	WeightEnergy float64 `json:"weightEnergy"`
	// WeightUtilization scales the candidate's idle GPU fraction.
	WeightUtilization float64 `json:"weightUtilization"`
	// WeightBattery scales the candidate's battery level.
	WeightBattery float64 `json:"weightBattery"`
	// MinBattery excludes candidates charged below this level.
	MinBattery float64 `json:"minBattery"`
	// WidenSearch retries the candidate query over the whole region
	// when the requester's geozone has none.
	WidenSearch bool `json:"widenSearch"`
	// MaxAttempts bounds reservation attempts per request.
	MaxAttempts int `json:"maxAttempts"`
	// MaxCandidates bounds how many candidates are drawn from the store.
	MaxCandidates int `json:"maxCandidates"`
	// RetryBudget is the retries-remaining of requests which don't
	// carry the header.
	RetryBudget int `json:"retryBudget"`
	// ConflictTTL is how long a node which just lost us a reservation
	// race is skipped before being tried again.
	ConflictTTL time.Duration `json:"conflictTtl"`
}

// DefaultPolicy returns production defaults. The geozone weight exceeds
// the sum of the other terms' maxima, so a local candidate always
// outranks a remote one.
func DefaultPolicy() Policy {
	return Policy{
		WeightGeozone:     10,
		WeightEnergy:      2,
		WeightUtilization: 3,
		WeightBattery:     1,
		MinBattery:        0.2,
		WidenSearch:       true,
		MaxAttempts:       4,
		MaxCandidates:     16,
		RetryBudget:       3,
		ConflictTTL:       5 * time.Second,
	}
}

// Fingerprint hashes the policy. It's logged at startup so operators
// can tell whether two scheduler processes run the same configuration.
func (p Policy) Fingerprint() (string, error) {
	var h, err = hashstructure.Hash(p, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing policy: %w", err)
	}
	return fmt.Sprintf("%016x", h), nil
}

// energyRank orders energy sources by scheduling preference. Unknown
// sources rank with grid.
func energyRank(s schema.EnergySource) float64 {
	switch s {
	case schema.EnergySolar:
		return 1.0
	case schema.EnergyCogen:
		return 0.9
	case schema.EnergyBattery:
		return 0.4
	default:
		return 0
	}
}

// Score rates a candidate node for a request. Higher is better.
func (p Policy) Score(req *schema.InferenceRequest, node *schema.NodeDocument) float64 {
	var score float64
	if node.GeozoneID == req.RequesterGeozone {
		score += p.WeightGeozone
	}
	score += p.WeightEnergy * energyRank(node.EnergySource)
	score += p.WeightUtilization * (1 - node.GPUUtilization)
	score += p.WeightBattery * node.BatteryLevel
	return score
}
