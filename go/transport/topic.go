package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/minio/highwayhash"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/labels"
)

// Topic names a partitioned ArcNet stream and its journal parameters.
type Topic struct {
	// Name of the topic, which prefixes its partition journals.
	Name string
	// Partitions is the number of partition journals.
	Partitions int
	// Replication factor of partition journals. Zero means 1.
	Replication int
	// Retention bounds how long fragments are kept, or zero to keep
	// them indefinitely.
	Retention time.Duration
}

// partitionHashKey keys the HighwayHash which maps message keys onto topic
// partitions. The key is a protocol constant: changing it would remap
// every key to a different partition and break per-key ordering across
// the change. DO NOT MODIFY.
var partitionHashKey, _ = hex.DecodeString("3e8d1c36a9b27f5480fa126e5bd09c7443f8a1d2905b6ce7f014283d5a6b9e0c")

// PartitionOf maps a message key to a partition index in [0, partitions).
// The mapping is stable: equal keys always map to the same partition.
func PartitionOf(key string, partitions int) int {
	return int(highwayhash.Sum64([]byte(key), partitionHashKey) % uint64(partitions))
}

// PartitionJournal is the journal name of a topic partition.
func PartitionJournal(topic string, partition int) pb.Journal {
	return pb.Journal(fmt.Sprintf("%s/part-%03d", topic, partition))
}

// DeadLetterTopic is the dead letter topic paired with a topic.
func DeadLetterTopic(topic string) string {
	return arcLabels.DeadLetterPrefix + topic
}

// CheckpointJournal is the offsets journal of a consumer group.
func CheckpointJournal(group string) pb.Journal {
	return pb.Journal(arcLabels.CheckpointsPrefix + group + "/part-000")
}

// BuildPartitionSpec returns the JournalSpec of one topic partition.
func BuildPartitionSpec(topic Topic, partition int) pb.JournalSpec {
	var replication = topic.Replication
	if replication == 0 {
		replication = 1
	}
	var spec = pb.JournalSpec{
		Name:        PartitionJournal(topic.Name, partition),
		Replication: int32(replication),
		Fragment: pb.JournalSpec_Fragment{
			Length:           1 << 28, // 256MB.
			CompressionCodec: pb.CompressionCodec_SNAPPY,
			RefreshInterval:  5 * time.Minute,
			Retention:        topic.Retention,
		},
	}
	spec.LabelSet.SetValue(labels.ContentType, labels.ContentType_JSONLines)
	spec.LabelSet.SetValue(arcLabels.Topic, topic.Name)
	spec.LabelSet.SetValue(arcLabels.Partition, fmt.Sprintf("%03d", partition))
	return spec
}

// ApplyTopic creates the partition journals of the topic which don't yet
// exist. Creation races with other components are expected and tolerated:
// whichever component wins, the journals exist on return.
func ApplyTopic(ctx context.Context, jc pb.JournalClient, topic Topic) error {
	for p := 0; p < topic.Partitions; p++ {
		var spec = BuildPartitionSpec(topic, p)
		var resp, err = client.ApplyJournals(ctx, jc, &pb.ApplyRequest{
			Changes: []pb.ApplyRequest_Change{{Upsert: &spec, ExpectModRevision: 0}},
		})

		if resp != nil && resp.Status == pb.Status_ETCD_TRANSACTION_FAILED {
			// We lost a creation race, or the journal already exists.
		} else if err != nil {
			return fmt.Errorf("creating journal %s: %w", spec.Name, err)
		}
	}
	return nil
}

// ListPartitions returns the extant partition journals of the topic, in
// partition order.
func ListPartitions(ctx context.Context, jc pb.JournalClient, topic string) ([]pb.Journal, error) {
	var resp, err = client.ListAllJournals(ctx, jc, pb.ListRequest{
		Selector: pb.LabelSelector{Include: pb.MustLabelSet(arcLabels.Topic, topic)},
	})
	if err != nil {
		return nil, fmt.Errorf("listing partitions of %s: %w", topic, err)
	}

	var out = make([]pb.Journal, 0, len(resp.Journals))
	for _, j := range resp.Journals {
		out = append(out, j.Spec.Name)
	}
	return out, nil
}

// WatchPartitions starts a live listing watch of the topic's partitions.
// The returned function is nil-valued until the initial listing resolves,
// which is signaled (as are later updates and errors) on |updateCh|.
func WatchPartitions(ctx context.Context, jc pb.JournalClient, topic string, updateCh chan error) func() *pb.ListResponse {
	return client.NewWatchedList(ctx, jc, pb.ListRequest{
		Selector: pb.LabelSelector{Include: pb.MustLabelSet(arcLabels.Topic, topic)},
		Watch:    true,
	}, updateCh).List
}
