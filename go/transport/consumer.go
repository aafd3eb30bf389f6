package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/message"
	"go.gazette.dev/core/task"
	"golang.org/x/net/trace"
)

// Record is one delivered message of a topic partition.
type Record struct {
	// Envelope as read from the journal. Nil when the line wasn't valid
	// JSON at all.
	Envelope *Envelope
	// Entity is the payload decoded, migrated to the current schema
	// version, and validated. Nil for invalid records.
	Entity interface{}
	// Raw is the framed line as it appeared in the journal.
	Raw []byte
	// Journal and Partition the record was read from.
	Journal   pb.Journal
	Partition int
	// Begin and End are the record's offset extent within Journal.
	Begin, End int64
	// Err is the failure which made this record invalid.
	Err error
}

// Valid returns whether the record decoded, migrated, and validated.
func (r *Record) Valid() bool { return r.Err == nil }

// Application consumes the records of a consumer group, in batched
// transactions.
type Application interface {
	// Consume one record of the current batch. An error fails the whole
	// batch: no offsets commit, and the batch is redelivered. Handlers
	// are therefore written to be idempotent.
	Consume(ctx context.Context, rec *Record) error
	// Finalize the current batch, after its last Consume and before its
	// offsets commit.
	Finalize(ctx context.Context) error
}

// Consumer reads every partition of a topic on behalf of a durable
// group. Each partition is read single-threaded and in order. Batches
// are cut when the reader has drained its buffered input or MaxBatch is
// reached; offsets commit only after the Application accepts the batch
// and all appends it published have committed.
type Consumer struct {
	// Group under which progress is checkpointed.
	Group string
	// Topic consumed.
	Topic string
	// Client reads partition journals.
	Client pb.RoutedJournalClient
	// Registry decodes envelope payloads.
	Registry *schema.Registry
	// Checkpoints persist per-partition progress.
	Checkpoints CheckpointStore
	// Producer publishes derived messages and dead letters. Its pending
	// appends gate every offset commit.
	Producer *Producer
	// App consumes delivered records.
	App Application

	// MaxBatch bounds the records delivered per batch (default 256).
	MaxBatch int
	// MinBackoff and MaxBackoff bound the backoff applied after a failed
	// batch (defaults 1s and 30s).
	MinBackoff, MaxBackoff time.Duration
}

// QueueTasks resolves the topic's partitions and queues one serving task
// per partition, plus a watch which logs partition drift.
func (c *Consumer) QueueTasks(tasks *task.Group) error {
	if c.Group == "" || c.Topic == "" || c.Client == nil || c.Registry == nil ||
		c.Checkpoints == nil || c.Producer == nil || c.App == nil {
		return fmt.Errorf("consumer of %q is incompletely configured", c.Topic)
	}

	var partitions, err = ListPartitions(tasks.Context(), c.Client, c.Topic)
	if err != nil {
		return err
	} else if len(partitions) == 0 {
		return fmt.Errorf("topic %q has no partitions", c.Topic)
	}

	for _, journal := range partitions {
		var journal = journal
		tasks.Queue(fmt.Sprintf("consume(%s)(%s)", c.Group, journal), func() error {
			return c.servePartition(tasks.Context(), journal, partitionIndex(journal))
		})
	}

	tasks.Queue(fmt.Sprintf("watchPartitions(%s)(%s)", c.Group, c.Topic), func() error {
		return c.watchPartitions(tasks.Context(), len(partitions))
	})
	return nil
}

// servePartition reads the partition until cancelled, backing off and
// re-reading from the last committed offset after failures.
func (c *Consumer) servePartition(ctx context.Context, journal pb.Journal, partition int) error {
	var ev = trace.NewEventLog("arcnet.Consumer", fmt.Sprintf("%s:%s", c.Group, journal))
	defer ev.Finish()

	var backoff = c.minBackoff()
	for {
		var batches, err = c.readPass(ctx, journal, partition, ev)

		if ctx.Err() != nil {
			return nil // Clean shutdown.
		} else if err == nil {
			continue // Benign end of pass. Start another.
		}

		if batches > 0 {
			backoff = c.minBackoff() // Progress was made. Reset.
		}
		log.WithFields(log.Fields{
			"group":   c.Group,
			"journal": journal,
			"err":     err,
			"backoff": backoff,
		}).Error("consumer pass failed (will back off and re-read)")
		ev.Errorf("pass failed (backoff %s): %v", backoff, err)
		consumerPassFailures.WithLabelValues(c.Group).Inc()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff *= 2; backoff > c.maxBackoff() {
			backoff = c.maxBackoff()
		}
	}
}

// readPass streams the partition from its committed offset, delivering
// batches until the context is cancelled or an error occurs. It returns
// the count of batches it committed.
func (c *Consumer) readPass(ctx context.Context, journal pb.Journal, partition int, ev trace.EventLog) (int, error) {
	var offset, err = c.Checkpoints.Load(ctx, c.Group, journal)
	if err != nil {
		return 0, fmt.Errorf("loading checkpoint of %s: %w", journal, err)
	}

	var passCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	var rr = client.NewRetryReader(passCtx, c.Client, pb.ReadRequest{
		Journal:    journal,
		Offset:     offset,
		Block:      true,
		DoNotProxy: !c.Client.IsNoopRouter(),
	})
	var br = bufio.NewReader(rr)

	var (
		batches int
		batch   []Record
		next    = rr.AdjustedOffset(br)
	)

	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var tr = trace.New("arcnet.ConsumerBatch", c.Group)
		defer tr.Finish()
		tr.LazyPrintf("%s: %d records through offset %d", journal, len(batch), next)

		var timer = prometheus.NewTimer(batchCommitSeconds.WithLabelValues(c.Group))
		defer timer.ObserveDuration()

		for i := range batch {
			if err := c.App.Consume(ctx, &batch[i]); err != nil {
				tr.SetError()
				return fmt.Errorf("consuming %s:%d: %w", journal, batch[i].Begin, err)
			}
		}
		if err := c.App.Finalize(ctx); err != nil {
			tr.SetError()
			return fmt.Errorf("finalizing batch: %w", err)
		}
		// Published messages and dead letters must be durable before
		// offsets move past the records which caused them.
		if err := c.Producer.Await(ctx); err != nil {
			tr.SetError()
			return fmt.Errorf("awaiting published appends: %w", err)
		}
		if err := c.Checkpoints.Commit(ctx, c.Group, pb.Offsets{journal: next}); err != nil {
			tr.SetError()
			return fmt.Errorf("committing offsets: %w", err)
		}

		consumerBatches.WithLabelValues(c.Group).Inc()
		batches, batch = batches+1, batch[:0]
		return nil
	}

	for {
		// Cut a batch when the reader would block, or at the size cap.
		if br.Buffered() == 0 || len(batch) >= c.maxBatch() {
			if err := flush(); err != nil {
				return batches, err
			}
		}

		var line, err = message.UnpackLine(br)

		switch {
		case err == nil:
			line = append([]byte(nil), line...)
			var begin = next
			next = rr.AdjustedOffset(br)

			var rec = c.decode(line, journal, partition, begin, next)
			if rec.Valid() && message.GetFlags(rec.Envelope.UUID) == message.Flag_ACK_TXN {
				continue // Transaction acknowledgment, not a message.
			}
			if !rec.Valid() {
				if err = c.deadLetter(ctx, &rec); err != nil {
					return batches, fmt.Errorf("dead lettering %s:%d: %w", journal, begin, err)
				}
				consumerRecords.WithLabelValues(c.Group, "invalid").Inc()
			} else {
				consumerRecords.WithLabelValues(c.Group, "valid").Inc()
			}
			batch = append(batch, rec)

		case err == io.EOF, err == context.Canceled, errors.Is(err, context.Canceled):
			return batches, nil
		case err == io.ErrNoProgress:
			continue // Returned by bufio.Reader sometimes. Ignore.
		case errors.Is(err, client.ErrOffsetJump):
			// Fragments were removed from the middle of the journal.
			log.WithFields(log.Fields{
				"journal": journal,
				"from":    next,
				"to":      rr.AdjustedOffset(br),
			}).Warn("source journal offset jump")
			ev.Printf("offset jump %d -> %d", next, rr.AdjustedOffset(br))
			next = rr.AdjustedOffset(br)
		default:
			return batches, err
		}
	}
}

// decode parses one framed line into a Record.
func (c *Consumer) decode(line []byte, journal pb.Journal, partition int, begin, end int64) Record {
	var rec = Record{
		Raw:       line,
		Journal:   journal,
		Partition: partition,
		Begin:     begin,
		End:       end,
	}

	var env = new(Envelope)
	if err := json.Unmarshal(line, env); err != nil {
		rec.Err = fmt.Errorf("unmarshaling envelope: %w", err)
		return rec
	}
	rec.Envelope = env

	if message.GetFlags(env.UUID) == message.Flag_ACK_TXN {
		return rec // Acknowledgments carry no payload.
	}

	var entity, err = env.Decode(c.Registry)
	if err != nil {
		rec.Err = fmt.Errorf("decoding %s v%d: %w", env.EntityType, env.SchemaVersion, err)
		return rec
	}
	rec.Entity = entity
	return rec
}

// watchPartitions logs when the topic's partition set drifts from the
// set resolved at startup. New partitions are consumed after a restart.
func (c *Consumer) watchPartitions(ctx context.Context, known int) error {
	var updateCh = make(chan error, 1)
	var list = WatchPartitions(ctx, c.Client, c.Topic, updateCh)

	for {
		select {
		case err := <-updateCh:
			if err != nil {
				log.WithFields(log.Fields{"topic": c.Topic, "err": err}).
					Warn("topic partition watch error")
				continue
			}
			if resp := list(); resp != nil && len(resp.Journals) != known {
				log.WithFields(log.Fields{
					"topic": c.Topic,
					"group": c.Group,
					"have":  known,
					"now":   len(resp.Journals),
				}).Warn("topic partitions changed; restart consumers to pick them up")
				known = len(resp.Journals)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) maxBatch() int {
	if c.MaxBatch > 0 {
		return c.MaxBatch
	}
	return 256
}

func (c *Consumer) minBackoff() time.Duration {
	if c.MinBackoff > 0 {
		return c.MinBackoff
	}
	return time.Second
}

func (c *Consumer) maxBackoff() time.Duration {
	if c.MaxBackoff > 0 {
		return c.MaxBackoff
	}
	return 30 * time.Second
}

// partitionIndex parses the partition ordinal from a journal name suffix
// of the form .../part-NNN.
func partitionIndex(journal pb.Journal) int {
	var name = journal.String()
	var i = strings.LastIndex(name, "/part-")
	if i < 0 {
		return 0
	}
	var n, err = strconv.Atoi(name[i+len("/part-"):])
	if err != nil {
		return 0
	}
	return n
}
