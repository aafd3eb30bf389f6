// Package transport implements typed, partitioned publish/subscribe over
// gazette journals. A topic is a journal name prefix whose partitions are
// journals <topic>/part-NNN. Producers map message keys to partitions with
// a stable identity hash; durable consumer groups read each partition in
// order, at-least-once, checkpointing offsets only after their handler
// accepts the batch.
package transport

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/google/uuid"
	"go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/message"
)

// Envelope is the self-describing frame in which every ArcNet entity
// travels. It names the entity type and schema version of its payload, so
// a consumer can decode and migrate without out-of-band agreement.
type Envelope struct {
	// UUID is assigned by the publisher, and orders and deduplicates
	// messages within a partition.
	UUID message.UUID `json:"_uuid"`
	// EntityType of the Payload.
	EntityType schema.EntityType `json:"entityType"`
	// SchemaVersion of the Payload as written by its producer, which may
	// trail the current version.
	SchemaVersion int `json:"schemaVersion"`
	// Key is the partitioning key. Messages sharing a Key always map to
	// the same partition, and are therefore totally ordered.
	Key string `json:"key"`
	// Headers carry message metadata: causality context, retry budgets,
	// classification outcomes, and dead letter provenance.
	Headers map[string]string `json:"headers,omitempty"`
	// Payload is the entity document itself.
	Payload json.RawMessage `json:"payload,omitempty"`
}

var _ message.Message = (*Envelope)(nil)

// GetUUID returns the message UUID.
func (e *Envelope) GetUUID() message.UUID { return e.UUID }

// SetUUID sets the message UUID.
func (e *Envelope) SetUUID(uuid message.UUID) { e.UUID = uuid }

// NewAcknowledgement returns an empty Envelope to be used as a
// transaction acknowledgment of this journal.
func (e *Envelope) NewAcknowledgement(protocol.Journal) message.Message {
	return new(Envelope)
}

// Header returns the named header, or "" if unset.
func (e *Envelope) Header(key string) string {
	return e.Headers[key]
}

// WithHeader returns the Envelope with the header set, allocating the
// header map if needed.
func (e *Envelope) WithHeader(key, value string) *Envelope {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
	return e
}

// NewEnvelope wraps a registered entity value into an Envelope keyed on
// |key|, with optional initial headers (which are copied). An envelope
// built without a trace context is a trace root, and is minted one.
func NewEnvelope(reg *schema.Registry, key string, entity interface{}, headers map[string]string) (*Envelope, error) {
	var name, version, ok = reg.TypeOf(entity)
	if !ok {
		return nil, fmt.Errorf("%T is not a registered entity type", entity)
	}
	var payload, err = json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", name, err)
	}

	var env = &Envelope{
		EntityType:    name,
		SchemaVersion: version,
		Key:           key,
		Payload:       payload,
	}
	for k, v := range headers {
		env.WithHeader(k, v)
	}
	if env.Header(arcLabels.TraceID) == "" {
		env.WithHeader(arcLabels.TraceID, newTraceID()).
			WithHeader(arcLabels.SpanID, newSpanID()).
			WithHeader(arcLabels.TraceFlags, defaultTraceFlags)
	}
	return env, nil
}

// Decode unmarshals the payload at its declared version, migrates it to
// the current version, and validates it.
func (e *Envelope) Decode(reg *schema.Registry) (interface{}, error) {
	return reg.Decode(e.EntityType, e.SchemaVersion, e.Payload)
}

// RetryBudget returns the envelope's remaining retry budget, or |dflt|
// when the header is absent or malformed.
func (e *Envelope) RetryBudget(dflt int) int {
	if v := e.Header(arcLabels.RetriesRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return dflt
}

// ChildHeaders returns headers for a message caused by |parent|. The
// parent's trace context carries over under a freshly minted span.
func ChildHeaders(parent *Envelope) map[string]string {
	var out = make(map[string]string)
	if parent == nil {
		return out
	}
	if id := parent.Header(arcLabels.TraceID); id != "" {
		out[arcLabels.TraceID] = id
		out[arcLabels.SpanID] = newSpanID()
		if f := parent.Header(arcLabels.TraceFlags); f != "" {
			out[arcLabels.TraceFlags] = f
		}
	}
	return out
}

// defaultTraceFlags marks a root trace as sampled.
const defaultTraceFlags = "01"

func newTraceID() string {
	var u = uuid.New()
	return hex.EncodeToString(u[:])
}

func newSpanID() string {
	var u = uuid.New()
	return hex.EncodeToString(u[:8])
}
