// Package reserve implements the node reservation primitive. A
// reservation grants one inference request exclusive claim to a node
// for a bounded TTL, recorded on the node's document through a
// compare-and-set merge patch so concurrent claimants can't both win.
package reserve

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcnet-dev/protocol/go/docstore"
	"github.com/arcnet-dev/protocol/go/schema"
)

var (
	// ErrNodeNotFound is returned when the node has no document.
	ErrNodeNotFound = errors.New("node not found")
	// ErrAlreadyReserved is returned when another request holds an
	// active reservation of the node.
	ErrAlreadyReserved = errors.New("node already reserved")
	// ErrRaceCondition is returned when a concurrent writer updated the
	// node document between our read and our write. The node may or may
	// not still be available; callers typically move to another node.
	ErrRaceCondition = errors.New("reservation race lost")
	// ErrNotOwner is returned when the reservation is held by a
	// different request than the caller's.
	ErrNotOwner = errors.New("reservation held by another request")
	// ErrNoReservation is returned when the node has no reservation.
	ErrNoReservation = errors.New("no reservation")
	// ErrAlreadyExpired is returned by Extend when the reservation
	// lapsed before it could be extended.
	ErrAlreadyExpired = errors.New("reservation expired")
)

// DocStore is the document store surface the Manager requires.
type DocStore interface {
	Get(id string) (*docstore.Document, bool)
	MutateDocument(id string, expect int64, patch []byte, validAt time.Time) (*docstore.Document, error)
	NodesByGeohashPrefix(prefix string) []*schema.NodeDocument
}

// Options configure a Manager.
type Options struct {
	// TTL is the reservation lifetime granted by Reserve and Extend.
	// Defaults to 30s.
	TTL time.Duration
	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// Manager reserves, extends, releases, and sweeps node reservations.
type Manager struct {
	store DocStore
	ttl   time.Duration
	now   func() time.Time
}

// NewManager builds a Manager over the store.
func NewManager(store DocStore, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: store, ttl: opts.TTL, now: opts.Now}
}

// Reserve claims the node for the request, returning the granted
// reservation. Reserve is idempotent: if the request already holds the
// node, its reservation is refreshed to a full TTL, and losing the
// write race to a concurrent duplicate of the same request still
// succeeds. It returns ErrAlreadyReserved when another request holds
// the node, and ErrRaceCondition when a concurrent writer got there
// first.
func (m *Manager) Reserve(nodeID, requestID uuid.UUID) (*schema.Reservation, error) {
	var res, err = m.reserve(nodeID, requestID)
	countOp("reserve", err)
	return res, err
}

func (m *Manager) reserve(nodeID, requestID uuid.UUID) (*schema.Reservation, error) {
	var doc, node, err = m.node(nodeID)
	if err != nil {
		return nil, err
	}
	var now = m.now()

	if node.Reservation.Active(now) && !node.Reservation.HeldBy(requestID, now) {
		return nil, fmt.Errorf("%w: node %s is held by request %s until %s",
			ErrAlreadyReserved, nodeID, node.Reservation.RequestID,
			node.Reservation.ExpiresAt.Format(time.RFC3339))
	}

	var res = &schema.Reservation{
		RequestID:  requestID,
		ReservedAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err = m.patch(doc, res, now); err != nil {
		if !errors.Is(err, ErrRaceCondition) {
			return nil, err
		}
		// Lost the write race. Re-read: when the concurrent writer
		// claimed the node for this same request (its redelivered
		// duplicate), the written reservation is ours and stands.
		if _, cur, readErr := m.node(nodeID); readErr == nil && cur.Reservation.HeldBy(requestID, now) {
			return cur.Reservation, nil
		}
		return nil, err
	}
	return res, nil
}

// Release clears the request's reservation of the node. The holder may
// release an expired reservation; anyone else gets ErrNotOwner.
func (m *Manager) Release(nodeID, requestID uuid.UUID) error {
	var err = m.release(nodeID, requestID)
	countOp("release", err)
	return err
}

func (m *Manager) release(nodeID, requestID uuid.UUID) error {
	var doc, node, err = m.node(nodeID)
	if err != nil {
		return err
	}
	if node.Reservation == nil {
		return fmt.Errorf("%w: node %s", ErrNoReservation, nodeID)
	}
	if node.Reservation.RequestID != requestID {
		return fmt.Errorf("%w: node %s is held by request %s",
			ErrNotOwner, nodeID, node.Reservation.RequestID)
	}
	return m.patch(doc, nil, m.now())
}

// Extend pushes out the expiry of the request's active reservation by a
// full TTL. Lapsed reservations can't be extended (ErrAlreadyExpired);
// the caller must Reserve again and may lose the node.
func (m *Manager) Extend(nodeID, requestID uuid.UUID) (*schema.Reservation, error) {
	var res, err = m.extend(nodeID, requestID)
	countOp("extend", err)
	return res, err
}

func (m *Manager) extend(nodeID, requestID uuid.UUID) (*schema.Reservation, error) {
	var doc, node, err = m.node(nodeID)
	if err != nil {
		return nil, err
	}
	var now = m.now()

	if node.Reservation == nil {
		return nil, fmt.Errorf("%w: node %s", ErrNoReservation, nodeID)
	}
	if node.Reservation.RequestID != requestID {
		return nil, fmt.Errorf("%w: node %s is held by request %s",
			ErrNotOwner, nodeID, node.Reservation.RequestID)
	}
	if !now.Before(node.Reservation.ExpiresAt) {
		return nil, fmt.Errorf("%w: node %s expired at %s", ErrAlreadyExpired,
			nodeID, node.Reservation.ExpiresAt.Format(time.RFC3339))
	}

	var res = &schema.Reservation{
		RequestID:  requestID,
		ReservedAt: node.Reservation.ReservedAt,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err = m.patch(doc, res, now); err != nil {
		return nil, err
	}
	return res, nil
}

// node fetches and decodes the current node document.
func (m *Manager) node(nodeID uuid.UUID) (*docstore.Document, *schema.NodeDocument, error) {
	var doc, ok = m.store.Get(nodeID.String())
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	var node = new(schema.NodeDocument)
	if err := json.Unmarshal(doc.Doc, node); err != nil {
		return nil, nil, fmt.Errorf("decoding node document %s: %w", nodeID, err)
	}
	return doc, node, nil
}

// patch writes the reservation slot (nil clears it) against the exact
// revision we read, mapping CAS failures to ErrRaceCondition.
func (m *Manager) patch(doc *docstore.Document, res *schema.Reservation, now time.Time) error {
	var patch, err = json.Marshal(map[string]interface{}{"reservation": res})
	if err != nil {
		return fmt.Errorf("encoding reservation patch: %w", err)
	}
	if _, err = m.store.MutateDocument(doc.ID, doc.Revision, patch, now); err != nil {
		if errors.Is(err, docstore.ErrRevisionMismatch) {
			return fmt.Errorf("%w: %s", ErrRaceCondition, err)
		}
		return err
	}
	return nil
}
