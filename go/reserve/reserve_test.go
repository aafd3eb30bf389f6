package reserve

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arcnet-dev/protocol/go/docstore"
	"github.com/arcnet-dev/protocol/go/schema"
)

var epoch = time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)

var (
	nodeA  = uuid.MustParse("11111111-0000-0000-0000-000000000001")
	nodeB  = uuid.MustParse("22222222-0000-0000-0000-000000000002")
	nodeC  = uuid.MustParse("33333333-0000-0000-0000-000000000003")
	reqOne = uuid.MustParse("aaaaaaaa-0000-0000-0000-00000000000a")
	reqTwo = uuid.MustParse("bbbbbbbb-0000-0000-0000-00000000000b")
)

// fixture is a memory store and manager sharing one movable clock.
type fixture struct {
	store *docstore.Store
	mgr   *Manager
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	var f = &fixture{now: epoch}
	var clock = func() time.Time { return f.now }

	var store, err = docstore.Open(docstore.Options{Now: clock})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f.store = store
	f.mgr = NewManager(store, Options{Now: clock})
	return f
}

func (f *fixture) seed(t *testing.T, nodeID uuid.UUID, res *schema.Reservation) {
	var node = &schema.NodeDocument{
		SchemaVersion:   1,
		NodeID:          nodeID,
		GeozoneID:       "9q8",
		Geohash:         "9q8yyk",
		EnergySource:    schema.EnergySolar,
		BatteryLevel:    0.9,
		GPUUtilization:  0.2,
		GPUMemoryFreeGB: 24,
		ModelsLoaded:    []string{"llama"},
		LastSeen:        f.now,
		Reservation:     res,
	}
	var txn = f.store.NewTxn()
	txn.Upsert(nodeID.String(), f.now, func(json.RawMessage) (interface{}, error) {
		return node, nil
	})
	require.NoError(t, txn.Commit())
}

func (f *fixture) holder(t *testing.T, nodeID uuid.UUID) *schema.Reservation {
	var doc, ok = f.store.Get(nodeID.String())
	require.True(t, ok)
	var node schema.NodeDocument
	require.NoError(t, json.Unmarshal(doc.Doc, &node))
	return node.Reservation
}

func TestReserveLifecycle(t *testing.T) {
	var f = newFixture(t)
	f.seed(t, nodeA, nil)

	// Case: a free node is granted with a full TTL.
	var res, err = f.mgr.Reserve(nodeA, reqOne)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(30*time.Second), res.ExpiresAt)
	require.Equal(t, reqOne, f.holder(t, nodeA).RequestID)

	// Case: a competing request is turned away.
	_, err = f.mgr.Reserve(nodeA, reqTwo)
	require.ErrorIs(t, err, ErrAlreadyReserved)

	// Case: the holder re-reserving is idempotent and refreshes expiry.
	f.now = epoch.Add(10 * time.Second)
	res, err = f.mgr.Reserve(nodeA, reqOne)
	require.NoError(t, err)
	require.Equal(t, f.now.Add(30*time.Second), res.ExpiresAt)

	// Case: only the holder may extend or release.
	_, err = f.mgr.Extend(nodeA, reqTwo)
	require.ErrorIs(t, err, ErrNotOwner)
	require.ErrorIs(t, f.mgr.Release(nodeA, reqTwo), ErrNotOwner)

	// Case: extension keeps ReservedAt and grants a fresh TTL.
	f.now = epoch.Add(20 * time.Second)
	res, err = f.mgr.Extend(nodeA, reqOne)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(10*time.Second), res.ReservedAt)
	require.Equal(t, f.now.Add(30*time.Second), res.ExpiresAt)

	// Case: release clears the slot, and further ops see no reservation.
	require.NoError(t, f.mgr.Release(nodeA, reqOne))
	require.Nil(t, f.holder(t, nodeA))

	require.ErrorIs(t, f.mgr.Release(nodeA, reqOne), ErrNoReservation)
	_, err = f.mgr.Extend(nodeA, reqOne)
	require.ErrorIs(t, err, ErrNoReservation)

	// Case: unknown nodes.
	_, err = f.mgr.Reserve(nodeB, reqOne)
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestReserveExpiry(t *testing.T) {
	var f = newFixture(t)
	f.seed(t, nodeA, nil)

	var _, err = f.mgr.Reserve(nodeA, reqOne)
	require.NoError(t, err)

	// Case: a lapsed reservation can't be extended.
	f.now = epoch.Add(31 * time.Second)
	_, err = f.mgr.Extend(nodeA, reqOne)
	require.ErrorIs(t, err, ErrAlreadyExpired)

	// Case: another request may claim the node once expiry passes.
	_, err = f.mgr.Reserve(nodeA, reqTwo)
	require.NoError(t, err)
	require.Equal(t, reqTwo, f.holder(t, nodeA).RequestID)

	// Case: the displaced request is no longer the owner.
	require.ErrorIs(t, f.mgr.Release(nodeA, reqOne), ErrNotOwner)

	// Case: the holder may release even after its reservation lapses.
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.mgr.Release(nodeA, reqTwo))
	require.Nil(t, f.holder(t, nodeA))
}

// racingStore interposes on Get to run a conflicting write between the
// manager's read and its compare-and-set.
type racingStore struct {
	DocStore
	onGet func(id string)
}

func (r *racingStore) Get(id string) (*docstore.Document, bool) {
	var doc, ok = r.DocStore.Get(id)
	if r.onGet != nil {
		var fn = r.onGet
		r.onGet = nil
		fn(id)
	}
	return doc, ok
}

func TestReserveLosesRace(t *testing.T) {
	var f = newFixture(t)
	f.seed(t, nodeA, nil)

	var racing = &racingStore{DocStore: f.store}
	racing.onGet = func(id string) {
		var doc, ok = f.store.Get(id)
		require.True(t, ok)
		_, err := f.store.MutateDocument(id, doc.Revision, []byte(`{"batteryLevel":0.5}`), f.now)
		require.NoError(t, err)
	}

	var mgr = NewManager(racing, Options{Now: func() time.Time { return f.now }})
	var _, err = mgr.Reserve(nodeA, reqOne)
	require.ErrorIs(t, err, ErrRaceCondition)

	// The conflicting write landed; the reservation did not.
	require.Nil(t, f.holder(t, nodeA))

	// Case: with no interference, a retry on the fresh revision wins.
	_, err = mgr.Reserve(nodeA, reqOne)
	require.NoError(t, err)
	require.Equal(t, reqOne, f.holder(t, nodeA).RequestID)
}

func TestReserveDuplicateRaceIsIdempotent(t *testing.T) {
	var f = newFixture(t)
	f.seed(t, nodeA, nil)

	// A concurrent duplicate of the same request claims the node between
	// our read and our write.
	var racing = &racingStore{DocStore: f.store}
	racing.onGet = func(string) {
		var _, err = f.mgr.Reserve(nodeA, reqOne)
		require.NoError(t, err)
	}

	// Case: losing the race to ourselves is success, not race-condition.
	var mgr = NewManager(racing, Options{Now: func() time.Time { return f.now }})
	var res, err = mgr.Reserve(nodeA, reqOne)
	require.NoError(t, err)
	require.Equal(t, reqOne, res.RequestID)
	require.Equal(t, epoch.Add(30*time.Second), res.ExpiresAt)
	require.Equal(t, reqOne, f.holder(t, nodeA).RequestID)
}

func TestSweepClearsOnlyExpired(t *testing.T) {
	var f = newFixture(t)

	f.seed(t, nodeA, &schema.Reservation{
		RequestID:  reqOne,
		ReservedAt: epoch,
		ExpiresAt:  epoch.Add(30 * time.Second),
	})
	f.seed(t, nodeB, &schema.Reservation{
		RequestID:  reqTwo,
		ReservedAt: epoch,
		ExpiresAt:  epoch.Add(10 * time.Minute),
	})
	f.seed(t, nodeC, nil)

	f.now = epoch.Add(time.Minute)

	var swept, err = f.mgr.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	require.Nil(t, f.holder(t, nodeA))
	require.Equal(t, reqTwo, f.holder(t, nodeB).RequestID)

	// Case: a second pass has nothing to do.
	swept, err = f.mgr.Sweep()
	require.NoError(t, err)
	require.Zero(t, swept)
}
