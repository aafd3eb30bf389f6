package transport

import (
	"context"
	"encoding/json"
	"strconv"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/buger/jsonparser"
	log "github.com/sirupsen/logrus"
)

// deadLetter parks an invalid record on the topic's dead letter topic.
// The original line is preserved verbatim inside a DeadLetter entity, and
// provenance headers identify exactly where it came from and why it was
// parked. When the original envelope was readable its trace carries over,
// so the dead letter joins the trace of the message which caused it. The
// append is awaited by the batch flush, so a record is never checkpointed
// past before its dead letter is durable.
func (c *Consumer) deadLetter(ctx context.Context, rec *Record) error {
	var dl = &schema.DeadLetter{SchemaVersion: 1}
	if json.Valid(rec.Raw) {
		dl.Original = json.RawMessage(rec.Raw)
	} else {
		dl.OriginalBase64 = rec.Raw
	}

	// Sniff the original key and entity type without a full decode,
	// preserving partition affinity where the fields are readable.
	var key, _ = jsonparser.GetString(rec.Raw, "key")
	if key == "" {
		key = rec.Journal.String()
	}

	var headers = ChildHeaders(rec.Envelope)
	headers[arcLabels.OriginalTopic] = c.Topic
	headers[arcLabels.OriginalPartition] = strconv.Itoa(rec.Partition)
	headers[arcLabels.OriginalOffset] = strconv.FormatInt(rec.Begin, 10)
	headers[arcLabels.DeadLetterError] = rec.Err.Error()
	if entityType, err := jsonparser.GetString(rec.Raw, "entityType"); err == nil && entityType != "" {
		headers[arcLabels.EntityType] = entityType
	}

	var _, err = c.Producer.EnsureSend(ctx,
		Topic{Name: DeadLetterTopic(c.Topic), Partitions: 1},
		key, dl, headers)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"group":   c.Group,
		"journal": rec.Journal,
		"offset":  rec.Begin,
		"err":     rec.Err,
	}).Warn("parked invalid record on dead letter topic")
	deadLetters.WithLabelValues(c.Group, c.Topic).Inc()

	return nil
}
