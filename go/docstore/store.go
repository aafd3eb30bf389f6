// Package docstore implements the regional bitemporal document store.
// Documents are revisioned JSON values keyed by ID. Every write appends
// an immutable revision carrying both the valid time of the underlying
// fact and the system time at which it was recorded, so the store can
// answer "what did we believe at T?" as well as "what is current?".
// An optional RocksDB backing makes state durable across restarts, and
// consumer checkpoints commit in the same batch as the documents they
// produced.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/core/broker/protocol"

	"github.com/arcnet-dev/protocol/go/schema"
)

var (
	// ErrNotFound is returned when a document ID has no current revision.
	ErrNotFound = errors.New("document not found")
	// ErrRevisionMismatch is returned by MutateDocument when the current
	// revision differs from the caller's expectation.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Document is a single immutable revision of a stored document.
type Document struct {
	// ID of the document. Node documents use the node UUID in string form.
	ID string `json:"id"`
	// Revision increments with each committed write of this ID.
	Revision int64 `json:"revision"`
	// Doc is the document body.
	Doc json.RawMessage `json:"doc"`
	// ValidAt is the valid-time dimension: when the recorded fact was
	// true in the world (for telemetry, its production time).
	ValidAt time.Time `json:"validAt"`
	// SystemAt is the system-time dimension: when this revision was
	// committed to the store.
	SystemAt time.Time `json:"systemAt"`
}

// Options configure a Store.
type Options struct {
	// Dir is the RocksDB directory. If empty, the store is memory-only
	// and all state is lost on restart.
	Dir string
	// Now is the store's time source. Defaults to time.Now.
	Now func() time.Time
}

// entry pairs the current revision of a document with its decoded node
// view, so queries don't re-parse JSON on every call.
type entry struct {
	doc  *Document
	node *schema.NodeDocument // nil if the body isn't a node document
}

// Store is a bitemporal document store over node documents of a region.
type Store struct {
	opts Options
	db   *rocksDB

	mu     sync.RWMutex
	live   map[string]*entry
	hist   map[string][]*Document // ascending revision order
	offs   map[string]pb.Offsets  // consumer group => committed offsets
	failed bool                   // a backing write failed
}

// Open a Store with the given Options, restoring prior documents and
// checkpoints from its RocksDB directory when one is configured.
func Open(opts Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var s = &Store{
		opts: opts,
		live: make(map[string]*entry),
		hist: make(map[string][]*Document),
		offs: make(map[string]pb.Offsets),
	}

	if opts.Dir == "" {
		return s, nil
	}
	var db, err = openRocks(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening rocksdb: %w", err)
	}
	s.db = db

	if err = s.restore(); err != nil {
		db.close()
		return nil, fmt.Errorf("restoring store from %s: %w", opts.Dir, err)
	}
	return s, nil
}

// restore loads current documents, their revision histories, and
// committed consumer checkpoints from the RocksDB backing.
func (s *Store) restore() error {
	if err := s.db.scan(prefixLive, func(_, value []byte) error {
		var doc = new(Document)
		if err := json.Unmarshal(value, doc); err != nil {
			return fmt.Errorf("decoding document: %w", err)
		}
		s.live[doc.ID] = &entry{doc: doc, node: decodeNode(doc.Doc)}
		return nil
	}); err != nil {
		return err
	}

	// History keys order by (ID, revision), so appends arrive in
	// ascending revision order.
	if err := s.db.scan(prefixHist, func(_, value []byte) error {
		var doc = new(Document)
		if err := json.Unmarshal(value, doc); err != nil {
			return fmt.Errorf("decoding revision: %w", err)
		}
		s.hist[doc.ID] = append(s.hist[doc.ID], doc)
		return nil
	}); err != nil {
		return err
	}

	var checkpoints int
	if err := s.db.scan(prefixOffs, func(key, value []byte) error {
		var group, journal, err = parseOffsetKey(key)
		if err != nil {
			return err
		}
		var rec checkpointRecord
		if err = json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decoding checkpoint %q: %w", string(key), err)
		}
		if s.offs[group] == nil {
			s.offs[group] = make(pb.Offsets)
		}
		s.offs[group][journal] = rec.Offset
		checkpoints++
		return nil
	}); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"dir":         s.opts.Dir,
		"documents":   len(s.live),
		"checkpoints": checkpoints,
	}).Info("restored document store")

	return nil
}

// Get returns the current revision of the document, or false if the ID
// has never been written.
func (s *Store) Get(id string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.live[id]; ok {
		return e.doc, true
	}
	return nil, false
}

// GetAsOf returns the document revision which was current as of
// systemAt and whose fact was valid as of validAt: the latest revision
// with SystemAt <= systemAt and ValidAt <= validAt.
func (s *Store) GetAsOf(id string, validAt, systemAt time.Time) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var revs = s.hist[id]
	for i := len(revs) - 1; i >= 0; i-- {
		if !revs[i].SystemAt.After(systemAt) && !revs[i].ValidAt.After(validAt) {
			return revs[i], true
		}
	}
	return nil, false
}

// History returns revisions of the document in ascending revision
// order. When nonzero, |from| and |to| bound revisions to those
// committed within [from, to].
func (s *Store) History(id string, from, to time.Time) []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Document
	for _, d := range s.hist[id] {
		if !from.IsZero() && d.SystemAt.Before(from) {
			continue
		}
		if !to.IsZero() && d.SystemAt.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// MutateDocument applies an RFC 7396 merge patch to the current
// document if and only if its revision equals expect, committing the
// merged result as a new revision with valid time validAt. It returns
// ErrRevisionMismatch if another writer got there first, and
// ErrNotFound if the document doesn't exist.
func (s *Store) MutateDocument(id string, expect int64, patch []byte, validAt time.Time) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur, ok = s.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.doc.Revision != expect {
		return nil, fmt.Errorf("%w: document %s is at revision %d, not %d",
			ErrRevisionMismatch, id, cur.doc.Revision, expect)
	}

	var merged, err = jsonpatch.MergePatch(cur.doc.Doc, patch)
	if err != nil {
		return nil, fmt.Errorf("merging patch into document %s: %w", id, err)
	}

	var next = &Document{
		ID:       id,
		Revision: expect + 1,
		Doc:      merged,
		ValidAt:  validAt,
		SystemAt: s.opts.Now(),
	}
	if err = s.persist([]*Document{next}, "", nil); err != nil {
		return nil, err
	}
	s.apply(next)

	return next, nil
}

// LoadOffset returns the committed offset of the journal under the
// consumer group, or zero if none has been committed.
func (s *Store) LoadOffset(group string, journal pb.Journal) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.offs[group][journal]
}

// Healthy reports whether the RocksDB backing (when configured) has not
// failed a write since the store opened.
func (s *Store) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.failed
}

// Close releases the RocksDB handle. The store must not be used after.
func (s *Store) Close() {
	if s.db != nil {
		s.db.close()
	}
}

// persist writes revisions and checkpoints through to RocksDB.
// Callers must hold the write lock.
func (s *Store) persist(docs []*Document, group string, offsets pb.Offsets) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.commit(docs, group, offsets); err != nil {
		s.failed = true
		return fmt.Errorf("writing rocksdb batch: %w", err)
	}
	return nil
}

// apply installs a committed revision into the in-memory indexes.
// Callers must hold the write lock.
func (s *Store) apply(doc *Document) {
	s.live[doc.ID] = &entry{doc: doc, node: decodeNode(doc.Doc)}
	s.hist[doc.ID] = append(s.hist[doc.ID], doc)
}

// decodeNode parses a document body as a node document, or returns nil
// if it isn't one.
func decodeNode(raw json.RawMessage) *schema.NodeDocument {
	var n = new(schema.NodeDocument)
	if err := json.Unmarshal(raw, n); err != nil || n.NodeID == uuid.Nil {
		return nil
	}
	return n
}
