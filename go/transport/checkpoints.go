package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/message"
)

// CheckpointStore persists the per-partition read progress of a consumer
// group. Offsets commit only after a batch's effects are durable, so a
// crash between effect and commit replays the batch (at-least-once).
type CheckpointStore interface {
	// Load returns the committed offset of the journal, or zero if the
	// group has never committed one.
	Load(ctx context.Context, group string, journal pb.Journal) (int64, error)
	// Commit durably records the offsets, together with whatever state
	// the group's application staged for the batch.
	Commit(ctx context.Context, group string, offsets pb.Offsets) error
}

// checkpoint is one offset record of a group's checkpoint journal.
type checkpoint struct {
	Journal     pb.Journal `json:"journal"`
	Offset      int64      `json:"offset"`
	CommittedAt time.Time  `json:"committedAt"`
}

// JournalCheckpoints is a CheckpointStore which keeps a group's offsets
// in the journal arc.checkpoints.<group>. Commits append one record per
// progressed partition; loads fold all records into per-partition maxima.
// The log bus is thus the only store a stateless consumer group needs.
type JournalCheckpoints struct {
	rjc pb.RoutedJournalClient
	ajc client.AsyncJournalClient

	mu     sync.Mutex
	folded map[string]pb.Offsets
}

// NewJournalCheckpoints returns a JournalCheckpoints over the clients.
func NewJournalCheckpoints(rjc pb.RoutedJournalClient, ajc client.AsyncJournalClient) *JournalCheckpoints {
	return &JournalCheckpoints{
		rjc:    rjc,
		ajc:    ajc,
		folded: make(map[string]pb.Offsets),
	}
}

// Load folds the group's checkpoint journal (provisioning it on first
// use) and returns the committed offset of |journal|.
func (c *JournalCheckpoints) Load(ctx context.Context, group string, journal pb.Journal) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var offsets, ok = c.folded[group]
	if !ok {
		// Checkpoint journals keep two days of history, far beyond the
		// fold horizon actually needed, and are never read by key.
		var err = ApplyTopic(ctx, c.rjc, Topic{
			Name:       arcLabels.CheckpointsPrefix + group,
			Partitions: 1,
			Retention:  48 * time.Hour,
		})
		if err != nil {
			return 0, fmt.Errorf("ensuring checkpoint journal of %s: %w", group, err)
		}
		if offsets, err = c.fold(ctx, CheckpointJournal(group)); err != nil {
			return 0, fmt.Errorf("folding checkpoints of %s: %w", group, err)
		}
		c.folded[group] = offsets
	}
	return offsets[journal], nil
}

// Commit appends the offsets to the group's checkpoint journal and waits
// for the append to commit.
func (c *JournalCheckpoints) Commit(ctx context.Context, group string, offsets pb.Offsets) error {
	var aa = c.ajc.StartAppend(pb.AppendRequest{Journal: CheckpointJournal(group)}, nil)
	var enc = json.NewEncoder(aa.Writer())

	var now = time.Now().UTC()
	for journal, offset := range offsets {
		aa.Require(enc.Encode(checkpoint{Journal: journal, Offset: offset, CommittedAt: now}))
	}
	if err := aa.Release(); err != nil {
		return fmt.Errorf("appending checkpoint of %s: %w", group, err)
	}

	select {
	case <-aa.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := aa.Err(); err != nil {
		return fmt.Errorf("committing checkpoint of %s: %w", group, err)
	}

	c.mu.Lock()
	var folded, ok = c.folded[group]
	if !ok {
		folded = make(pb.Offsets)
		c.folded[group] = folded
	}
	for journal, offset := range offsets {
		if offset > folded[journal] {
			folded[journal] = offset
		}
	}
	c.mu.Unlock()
	return nil
}

// fold reads the checkpoint journal through its current write head.
func (c *JournalCheckpoints) fold(ctx context.Context, journal pb.Journal) (pb.Offsets, error) {
	var ctxRead, cancel = context.WithCancel(ctx)
	defer cancel()

	var rr = client.NewRetryReader(ctxRead, c.rjc, pb.ReadRequest{
		Journal:    journal,
		Block:      false,
		DoNotProxy: !c.rjc.IsNoopRouter(),
	})
	var br = bufio.NewReader(rr)
	var out = make(pb.Offsets)

	for {
		var line, err = message.UnpackLine(br)

		switch {
		case err == nil:
			var cp checkpoint
			if err = json.Unmarshal(line, &cp); err != nil {
				// A torn or corrupt record loses at most one commit of
				// progress, which at-least-once delivery absorbs.
				log.WithFields(log.Fields{"journal": journal, "err": err}).
					Warn("skipping unreadable checkpoint record")
				continue
			}
			if cp.Offset > out[cp.Journal] {
				out[cp.Journal] = cp.Offset
			}
		case err == io.EOF, errors.Is(err, client.ErrOffsetNotYetAvailable):
			return out, nil
		case err == io.ErrNoProgress:
			continue
		case errors.Is(err, client.ErrOffsetJump):
			continue // Fragments pruned by retention. Keep folding.
		default:
			return nil, err
		}
	}
}
