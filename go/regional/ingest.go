// Package regional runs the per-region control plane: it folds node
// telemetry into the bitemporal document store, and periodically
// publishes a per-geozone summary of the live mesh.
package regional

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/core/broker/protocol"

	"github.com/arcnet-dev/protocol/go/docstore"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transport"
)

// Ingestor folds the telemetry topic into the regional document store.
// It serves as both the consumer's Application and its CheckpointStore,
// so a batch's folded documents and its partition offsets land in one
// store transaction. A crash can replay a batch (folds are idempotent)
// but can never tear one.
type Ingestor struct {
	Store *docstore.Store
	// Now is the ingest clock. Defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	staged map[pb.Journal][]stagedFold
}

type stagedFold struct {
	t      *schema.NodeTelemetry
	seenAt time.Time
}

var _ transport.Application = (*Ingestor)(nil)
var _ transport.CheckpointStore = (*Ingestor)(nil)

// Consume stages one telemetry record for the batch's transaction.
// Partitions consume concurrently, so staging is keyed by journal.
func (i *Ingestor) Consume(_ context.Context, rec *transport.Record) error {
	if !rec.Valid() {
		return nil // Already dead-lettered.
	}
	var t, ok = rec.Entity.(*schema.NodeTelemetry)
	if !ok {
		log.WithFields(log.Fields{
			"entity":  rec.Envelope.EntityType,
			"journal": rec.Journal,
		}).Warn("unexpected entity on telemetry topic")
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.staged == nil {
		i.staged = make(map[pb.Journal][]stagedFold)
	}
	i.staged[rec.Journal] = append(i.staged[rec.Journal], stagedFold{t: t, seenAt: i.now()})
	return nil
}

// Finalize implements transport.Application.
func (i *Ingestor) Finalize(context.Context) error { return nil }

// Load implements transport.CheckpointStore.
func (i *Ingestor) Load(_ context.Context, group string, journal pb.Journal) (int64, error) {
	return i.Store.LoadOffset(group, journal), nil
}

// Commit implements transport.CheckpointStore. The staged folds of the
// committing partitions and their offsets apply atomically.
func (i *Ingestor) Commit(_ context.Context, group string, offsets pb.Offsets) error {
	var batch []stagedFold
	i.mu.Lock()
	for journal := range offsets {
		batch = append(batch, i.staged[journal]...)
		delete(i.staged, journal)
	}
	i.mu.Unlock()

	var txn = i.Store.NewTxn()
	for _, s := range batch {
		var t, seenAt = s.t, s.seenAt
		txn.Upsert(t.NodeID.String(), t.Timestamp, func(prior json.RawMessage) (interface{}, error) {
			var prev *schema.NodeDocument
			if len(prior) != 0 {
				prev = new(schema.NodeDocument)
				if json.Unmarshal(prior, prev) != nil {
					prev = nil // Unrecognized prior shape. Fold fresh.
				}
			}
			return schema.FoldTelemetry(t, prev, seenAt), nil
		})
	}
	txn.Offsets(group, offsets)

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("committing telemetry batch: %w", err)
	}
	if len(batch) != 0 {
		telemetryFolded.Add(float64(len(batch)))
		log.WithFields(log.Fields{
			"group":   group,
			"records": len(batch),
		}).Debug("folded telemetry batch")
	}
	return nil
}

func (i *Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}
