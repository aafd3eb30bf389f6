package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/labels"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
)

func TestPartitionOfIsStableAndBounded(t *testing.T) {
	// Case: equal keys always map to the same partition.
	var keys []string
	for i := 0; i != 100; i++ {
		keys = append(keys, fmt.Sprintf("node-%d", i))
	}
	for _, key := range keys {
		var p = PartitionOf(key, 8)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, 8)
		require.Equal(t, p, PartitionOf(key, 8))
	}

	// Case: keys spread across partitions rather than clumping on one.
	var hit = make(map[int]bool)
	for _, key := range keys {
		hit[PartitionOf(key, 8)] = true
	}
	require.Greater(t, len(hit), 1)

	// Case: a single partition takes everything.
	for _, key := range keys {
		require.Equal(t, 0, PartitionOf(key, 1))
	}
}

func TestJournalNaming(t *testing.T) {
	require.Equal(t, pb.Journal("arc.telemetry.nodes/part-000"),
		PartitionJournal(arcLabels.NodeTelemetry, 0))
	require.Equal(t, pb.Journal("arc.request.inference/part-007"),
		PartitionJournal(arcLabels.InferenceRequests, 7))

	require.Equal(t, "arc.dead-letter.arc.request.inference",
		DeadLetterTopic(arcLabels.InferenceRequests))

	require.Equal(t, pb.Journal("arc.checkpoints.arcnet-scheduler/part-000"),
		CheckpointJournal(arcLabels.GroupScheduler))
}

func TestBuildPartitionSpec(t *testing.T) {
	var spec = BuildPartitionSpec(Topic{
		Name:       arcLabels.NodeTelemetry,
		Partitions: 4,
		Retention:  24 * time.Hour,
	}, 3)

	require.Equal(t, pb.Journal("arc.telemetry.nodes/part-003"), spec.Name)
	require.Equal(t, int32(1), spec.Replication) // Defaulted.
	require.Equal(t, 24*time.Hour, spec.Fragment.Retention)
	require.Equal(t, labels.ContentType_JSONLines, spec.LabelSet.ValueOf(labels.ContentType))
	require.Equal(t, arcLabels.NodeTelemetry, spec.LabelSet.ValueOf(arcLabels.Topic))
	require.Equal(t, "003", spec.LabelSet.ValueOf(arcLabels.Partition))

	// Case: an explicit replication factor is kept.
	spec = BuildPartitionSpec(Topic{Name: "t", Partitions: 1, Replication: 3}, 0)
	require.Equal(t, int32(3), spec.Replication)
}
