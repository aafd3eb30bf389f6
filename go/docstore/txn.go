package docstore

import (
	"encoding/json"
	"fmt"
	"time"

	pb "go.gazette.dev/core/broker/protocol"
)

// BuildFunc derives the next body of a document from its prior body,
// which is nil when the document doesn't yet exist. Builders run at
// commit time, under the store's write lock, so they always observe
// the effects of every transaction committed before theirs. Returning
// a nil value (and nil error) skips the write.
type BuildFunc func(prior json.RawMessage) (interface{}, error)

// Txn stages document upserts and consumer checkpoints for a single
// atomic commit: either every staged write lands, or none do. A Txn is
// single-use and isn't safe for concurrent access.
type Txn struct {
	store   *Store
	upserts []upsert
	group   string
	offsets pb.Offsets
}

type upsert struct {
	id      string
	validAt time.Time
	build   BuildFunc
}

// NewTxn begins a transaction against the store.
func (s *Store) NewTxn() *Txn { return &Txn{store: s} }

// Upsert stages a write of the document, built from its prior body at
// commit time. Multiple upserts of one ID within a transaction compose:
// each builder observes the body produced by the one staged before it.
func (t *Txn) Upsert(id string, validAt time.Time, build BuildFunc) {
	t.upserts = append(t.upserts, upsert{id: id, validAt: validAt, build: build})
}

// Offsets stages consumer checkpoints which commit atomically with the
// staged documents.
func (t *Txn) Offsets(group string, offsets pb.Offsets) {
	t.group = group
	if t.offsets == nil {
		t.offsets = make(pb.Offsets)
	}
	for journal, offset := range offsets {
		t.offsets[journal] = offset
	}
}

// Commit evaluates staged builders against current document state and
// applies the results, with staged checkpoints, as one atomic batch.
func (t *Txn) Commit() error {
	var s = t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var now = s.opts.Now()
	var docs []*Document
	var pending = make(map[string]*Document)

	for _, u := range t.upserts {
		var prior *Document
		if d, ok := pending[u.id]; ok {
			prior = d
		} else if e, ok := s.live[u.id]; ok {
			prior = e.doc
		}

		var priorRaw json.RawMessage
		var revision int64 = 1
		if prior != nil {
			priorRaw, revision = prior.Doc, prior.Revision+1
		}

		var next, err = u.build(priorRaw)
		if err != nil {
			return fmt.Errorf("building document %s: %w", u.id, err)
		} else if next == nil {
			continue
		}

		var doc = &Document{
			ID:       u.id,
			Revision: revision,
			ValidAt:  u.validAt,
			SystemAt: now,
		}
		if doc.Doc, err = json.Marshal(next); err != nil {
			return fmt.Errorf("encoding document %s: %w", u.id, err)
		}
		pending[u.id] = doc
		docs = append(docs, doc)
	}

	if err := s.persist(docs, t.group, t.offsets); err != nil {
		return err
	}
	for _, doc := range docs {
		s.apply(doc)
	}
	if t.group != "" {
		var cur = s.offs[t.group]
		if cur == nil {
			cur = make(pb.Offsets)
			s.offs[t.group] = cur
		}
		for journal, offset := range t.offsets {
			cur[journal] = offset
		}
	}
	return nil
}
