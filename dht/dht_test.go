package dht

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/dhtnode/infohash"
	"github.com/kadcore/dhtnode/network"
	"github.com/kadcore/dhtnode/scheduler"
)

func newTestNode(t *testing.T, fabric *network.Fabric, id infohash.InfoHash, mock *clock.Mock) *Dht {
	t.Helper()
	conn := fabric.Listen()
	e, err := network.NewWithConn(conn, network.Config{SelfID: id.String(), Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	sched := scheduler.NewWithClock(mock)
	return New(Config{NodeID: id, StorageLimit: DefaultStorageLimit}, map[Family]*network.Engine{FamilyV4: e}, sched)
}

// TestSameNodePutThenGet exercises scenario S2: a single node puts a
// value under a key, then immediately gets it back via the local
// storage path, without any network round trip.
func TestSameNodePutThenGet(t *testing.T) {
	fabric := network.NewFabric()
	mock := clock.NewMock()
	node := newTestNode(t, fabric, infohash.Random(), mock)

	key := mustHex(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	v := &Value{ID: 1, Payload: []byte("x")}
	node.Put(key, v, mock.Now(), nil)

	got, ok := node.GetLocalByID(key, 1)
	require.True(t, ok)
	assert.Equal(t, v, got)

	var received []*Value
	node.Get(key, func(vs []*Value) bool { received = append(received, vs...); return true }, func(success bool, _ []*Node) {}, AcceptAll)
	require.Len(t, received, 1)
	assert.Equal(t, v.ID, received[0].ID)
	assert.Equal(t, v.Payload, received[0].Payload)
}

func TestQuotaRejectsThirdValue(t *testing.T) {
	s := NewStorage(1024)
	s.SetLimit(1024)
	now := time.Now()

	key1, key2, key3 := infohash.Random(), infohash.Random(), infohash.Random()
	v := func() *Value { return &Value{ID: 1, Payload: make([]byte, 400)} }

	_, err := s.Store(key1, v(), now)
	require.NoError(t, err)
	_, err = s.Store(key2, v(), now)
	require.NoError(t, err)
	_, err = s.Store(key3, v(), now)
	assert.Error(t, err)

	total, count := s.TotalSize()
	assert.Equal(t, 800, total)
	assert.Equal(t, 2, count)
}

func TestInsertNodeIdempotentSize(t *testing.T) {
	self := infohash.Zero
	rt := NewRoutingTable(FamilyV4, self)
	n := NewNode(infohash.Random(), &net.UDPAddr{Port: 1}, FamilyV4)
	now := time.Now()

	rt.InsertNode(n, now)
	sizeAfterFirst := rt.Len()
	rt.InsertNode(n, now)
	assert.Equal(t, sizeAfterFirst, rt.Len())
}

// TestTwoNodeGetAcrossNetwork exercises scenario S3: B already knows
// about A; A holds a value under a key; B's get reaches A over the
// network and B's callback observes the value.
func TestTwoNodeGetAcrossNetwork(t *testing.T) {
	fabric := network.NewFabric()
	mock := clock.NewMock()

	aID := infohash.Zero
	bID := mustHex(t, "ffffffffffffffffffffffffffffffffffffffff")
	key := mustHex(t, "00f000000000000000000000000000000000000f")

	a := newTestNode(t, fabric, aID, mock)
	b := newTestNode(t, fabric, bID, mock)

	v := &Value{ID: 7, Payload: []byte("v3-payload")}
	a.storeLocal(key, v, mock.Now())

	aAddr := a.engines[FamilyV4].LocalAddr()
	b.InsertNode(aID, aAddr, FamilyV4)

	received := make(chan []*Value, 1)
	done := make(chan bool, 1)
	b.Get(key, func(values []*Value) bool {
		received <- values
		return true
	}, func(ok bool, _ []*Node) {
		done <- ok
	}, AcceptAll)

	select {
	case values := <-received:
		require.Len(t, values, 1)
		assert.Equal(t, v.ID, values[0].ID)
		assert.Equal(t, v.Payload, values[0].Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for get_values reply")
	}
}

func TestBootstrapFindNodeAcrossTwoNodes(t *testing.T) {
	fabric := network.NewFabric()
	mock := clock.NewMock()

	aID := infohash.Zero
	bID := mustHex(t, "8000000000000000000000000000000000000000")

	a := newTestNode(t, fabric, aID, mock)
	b := newTestNode(t, fabric, bID, mock)

	bEngine := b.engines[FamilyV4]
	bAddr := bEngine.LocalAddr()

	a.InsertNode(bID, bAddr, FamilyV4)

	rt := a.tables[FamilyV4]
	assert.Equal(t, 1, rt.Len())
	_, found := a.cache.Lookup(bID, FamilyV4)
	assert.True(t, found)
}
