package regional

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/broker/client"

	"github.com/arcnet-dev/protocol/go/docstore"
	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transport"
)

func putDoc(n *schema.NodeDocument) docstore.BuildFunc {
	return func(json.RawMessage) (interface{}, error) { return n, nil }
}

type published struct {
	topic   string
	key     string
	entity  interface{}
	headers map[string]string
}

// pubRecorder stands in for the transport producer.
type pubRecorder struct{ sent []published }

func (r *pubRecorder) Send(topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error) {
	r.sent = append(r.sent, published{topic, key, entity, headers})
	return nil, nil
}

func (r *pubRecorder) EnsureSend(_ context.Context, t transport.Topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error) {
	r.sent = append(r.sent, published{t.Name, key, entity, headers})
	return nil, nil
}

func liveNode(id uuid.UUID, geohash string, source schema.EnergySource, util, battery float64, seen time.Time) *schema.NodeDocument {
	return &schema.NodeDocument{
		SchemaVersion:   1,
		NodeID:          id,
		GeozoneID:       schema.GeozoneOf(geohash),
		Geohash:         geohash,
		EnergySource:    source,
		BatteryLevel:    battery,
		GPUUtilization:  util,
		GPUMemoryFreeGB: 24,
		LastSeen:        seen,
	}
}

func TestSummarizeFoldsOneZone(t *testing.T) {
	var idA = uuid.MustParse("11111111-0000-0000-0000-000000000001")
	var idB = uuid.MustParse("22222222-0000-0000-0000-000000000002")
	var idC = uuid.MustParse("33333333-0000-0000-0000-000000000003")

	var reserved = liveNode(idA, "9q8yyk", schema.EnergySolar, 0.5, 0.9, epoch)
	reserved.Reservation = &schema.Reservation{
		RequestID: idC,
		ExpiresAt: epoch.Add(30 * time.Second),
	}
	var lapsed = liveNode(idB, "9q8yyj", schema.EnergyGrid, 0.3, 0.5, epoch)
	lapsed.Reservation = &schema.Reservation{
		RequestID: idC,
		ExpiresAt: epoch.Add(-time.Second),
	}
	var bare = liveNode(idC, "9q8yyh", schema.EnergySolar, 0.1, 0.7, epoch)

	// Case: actively reserved GPUs aren't available; lapsed ones are.
	var s = Summarize("9q8", []*schema.NodeDocument{reserved, lapsed, bare}, epoch)
	require.Equal(t, &schema.RegionalSummary{
		SchemaVersion:     1,
		GeozoneID:         "9q8",
		ComputedAt:        epoch,
		ActiveNodes:       3,
		AvailableGPUs:     2,
		AvgBatteryLevel:   0.7,
		AvgGPUUtilization: 0.3,
		EnergySourceCounts: map[schema.EnergySource]int{
			schema.EnergySolar: 2,
			schema.EnergyGrid:  1,
		},
	}, s)

	// Case: an empty zone summarizes to zeros, not NaNs.
	s = Summarize("dr5", nil, epoch)
	require.Equal(t, 0, s.ActiveNodes)
	require.Equal(t, 0.0, s.AvgBatteryLevel)
}

func TestAggregatePublishesPerGeozone(t *testing.T) {
	var f = newFixture(t)
	var pub = &pubRecorder{}
	var agg = &Aggregator{
		Store:    f.store,
		Producer: pub,
		Now:      func() time.Time { return f.now },
	}

	var idA = uuid.MustParse("11111111-0000-0000-0000-000000000001")
	var idB = uuid.MustParse("22222222-0000-0000-0000-000000000002")
	var idC = uuid.MustParse("33333333-0000-0000-0000-000000000003")
	var idD = uuid.MustParse("44444444-0000-0000-0000-000000000004")

	var put = func(n *schema.NodeDocument) {
		var txn = f.store.NewTxn()
		txn.Upsert(n.NodeID.String(), n.LastSeen, putDoc(n))
		require.NoError(t, txn.Commit())
	}
	put(liveNode(idA, "9q8yyk", schema.EnergySolar, 0.2, 0.9, epoch))
	put(liveNode(idB, "9q8yyj", schema.EnergyGrid, 0.4, 0.7, epoch))
	put(liveNode(idC, "dr5reg", schema.EnergyBattery, 0.6, 0.5, epoch))
	put(liveNode(idD, "dr5rsj", schema.EnergySolar, 0.1, 0.8, epoch.Add(-45*time.Second)))

	// Case: one summary per geozone with live nodes, in sorted order,
	// keyed by geozone. The stale node in dr5 is not counted.
	require.NoError(t, agg.Aggregate(context.Background()))
	require.Len(t, pub.sent, 2)

	require.Equal(t, arcLabels.RegionalSummaries, pub.sent[0].topic)
	require.Equal(t, "9q8", pub.sent[0].key)
	var west = pub.sent[0].entity.(*schema.RegionalSummary)
	require.Equal(t, 2, west.ActiveNodes)
	require.Equal(t, 2, west.AvailableGPUs)
	require.InDelta(t, 0.8, west.AvgBatteryLevel, 1e-9)
	require.InDelta(t, 0.3, west.AvgGPUUtilization, 1e-9)

	require.Equal(t, "dr5", pub.sent[1].key)
	var east = pub.sent[1].entity.(*schema.RegionalSummary)
	require.Equal(t, 1, east.ActiveNodes)
	require.Equal(t, map[schema.EnergySource]int{schema.EnergyBattery: 1}, east.EnergySourceCounts)

	// Case: an empty mesh publishes nothing.
	f.now = f.now.Add(time.Minute) // Everything ages out.
	require.NoError(t, agg.Aggregate(context.Background()))
	require.Len(t, pub.sent, 2)
}
