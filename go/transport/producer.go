package transport

import (
	"context"
	"fmt"
	"time"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/labels"
	"go.gazette.dev/core/message"
)

// Publisher is the producer surface through which consumer applications
// publish. *Producer implements it.
type Publisher interface {
	Send(topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error)
	EnsureSend(ctx context.Context, topic Topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error)
}

// Producer publishes entities to topic partitions. Equal keys map to
// equal partitions, so per-key ordering follows from journal ordering.
type Producer struct {
	reg *schema.Registry
	jc  pb.JournalClient
	ajc client.AsyncJournalClient
	pub *message.Publisher

	topics map[string]Topic
	// ensured caches topics already provisioned through EnsureSend, most
	// recently used first. Its size bounds producer memory when dispatch
	// topics span arbitrarily many geozones; an evicted topic is simply
	// re-applied on next use.
	ensured *lru.Cache[string, struct{}]
}

// NewProducer returns a Producer over the declared topics, which must
// already be applied.
func NewProducer(reg *schema.Registry, jc pb.JournalClient, ajc client.AsyncJournalClient, topics ...Topic) *Producer {
	var byName = make(map[string]Topic, len(topics))
	for _, t := range topics {
		byName[t.Name] = t
	}
	var ensured, err = lru.New[string, struct{}](1024)
	if err != nil {
		panic(err) // Size is positive.
	}
	return &Producer{
		reg:     reg,
		jc:      jc,
		ajc:     ajc,
		pub:     message.NewPublisher(ajc, nil),
		topics:  byName,
		ensured: ensured,
	}
}

// Declare adds topics to the Producer's set of known topics.
func (p *Producer) Declare(topics ...Topic) {
	for _, t := range topics {
		p.topics[t.Name] = t
	}
}

// Send publishes an entity to a declared topic, keyed on |key|. The
// returned append resolves when the message has committed to the journal;
// callers which must not proceed before durability wait on it or on a
// later Await.
func (p *Producer) Send(topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error) {
	var t, ok = p.topics[topic]
	if !ok {
		return nil, fmt.Errorf("topic %q is not declared", topic)
	}
	return p.send(t, key, entity, headers)
}

// EnsureSend publishes to a topic which may not exist yet, provisioning
// it in the given shape on first use. It serves dynamic topic families,
// such as per-geozone dispatch topics.
func (p *Producer) EnsureSend(ctx context.Context, topic Topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error) {
	if _, ok := p.ensured.Get(topic.Name); !ok {
		if err := ApplyTopic(ctx, p.jc, topic); err != nil {
			return nil, fmt.Errorf("ensuring topic %s: %w", topic.Name, err)
		}
		p.ensured.Add(topic.Name, struct{}{})
	}
	return p.send(topic, key, entity, headers)
}

func (p *Producer) send(t Topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error) {
	var env, err = NewEnvelope(p.reg, key, entity, headers)
	if err != nil {
		return nil, err
	}
	env.WithHeader(arcLabels.ProducedAt, time.Now().UTC().Format(time.RFC3339Nano))

	var journal = PartitionJournal(t.Name, PartitionOf(key, t.Partitions))
	aa, err := p.pub.PublishCommitted(
		func(message.Mappable) (pb.Journal, string, error) {
			return journal, labels.ContentType_JSONLines, nil
		}, env)
	if err != nil {
		return nil, fmt.Errorf("publishing %s to %s: %w", env.EntityType, journal, err)
	}
	return aa, nil
}

// Await blocks until every append started through this Producer's journal
// client has committed, returning the first error encountered.
func (p *Producer) Await(ctx context.Context) error {
	for op := range p.ajc.PendingExcept("") {
		select {
		case <-op.Done():
			if err := op.Err(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
