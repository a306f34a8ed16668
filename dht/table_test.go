package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/dhtnode/infohash"
)

func mustHex(t *testing.T, s string) infohash.InfoHash {
	t.Helper()
	h, err := infohash.FromHex(s)
	require.NoError(t, err)
	return h
}

func addr(port int) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestRoutingTableStartsAsOneBucket(t *testing.T) {
	self := mustHex(t, "000000000000000000000000000000000000000a")
	rt := NewRoutingTable(FamilyV4, self)
	assert.Equal(t, 1, rt.BucketCount())
	assert.Equal(t, 0, rt.Len())
}

func TestInsertNodeRefreshesExisting(t *testing.T) {
	self := mustHex(t, "000000000000000000000000000000000000000a")
	rt := NewRoutingTable(FamilyV4, self)
	id := infohash.Random()

	n1 := NewNode(id, addr(1), FamilyV4)
	now := time.Now()
	require.True(t, rt.InsertNode(n1, now))
	assert.Equal(t, 1, rt.Len())

	n2 := NewNode(id, addr(2), FamilyV4)
	require.True(t, rt.InsertNode(n2, now.Add(time.Second)))
	assert.Equal(t, 1, rt.Len(), "re-inserting the same id must not grow the table")
}

func TestInsertNodeSplitsWhenBucketNearSelfIsFull(t *testing.T) {
	self := infohash.Zero
	rt := NewRoutingTable(FamilyV4, self)
	now := time.Now()

	// fill the bucket that would contain self (all ids starting 0x00..)
	for i := 0; i < TargetNodes; i++ {
		id := infohash.WithBit(infohash.Zero, 20+i, 1)
		n := NewNode(id, addr(i), FamilyV4)
		require.True(t, rt.InsertNode(n, now))
	}
	assert.Equal(t, 1, rt.BucketCount())

	overflow := infohash.WithBit(infohash.Zero, 40, 1)
	n := NewNode(overflow, addr(99), FamilyV4)
	rt.InsertNode(n, now)
	assert.Greater(t, rt.BucketCount(), 1, "bucket containing self must split rather than discard")
}

func TestFindClosestNodesSortedByDistance(t *testing.T) {
	self := infohash.Zero
	rt := NewRoutingTable(FamilyV4, self)
	now := time.Now()

	target := mustHex(t, "000000000000000000000000000000000000000f")
	var ids []infohash.InfoHash
	for i := 0; i < 5; i++ {
		id := infohash.WithBit(infohash.Zero, 150+i, 1)
		ids = append(ids, id)
		rt.InsertNode(NewNode(id, addr(i), FamilyV4), now)
	}

	closest := rt.FindClosestNodes(target, now, 3)
	require.Len(t, closest, 3)
	for i := 1; i < len(closest); i++ {
		d1 := infohash.Xor(closest[i-1].ID, target)
		d2 := infohash.Xor(closest[i].ID, target)
		assert.True(t, infohash.Less(d1, d2) || d1 == d2)
	}
}

func TestAllGoodNodesExcludesExpired(t *testing.T) {
	self := infohash.Zero
	rt := NewRoutingTable(FamilyV4, self)

	goodID := infohash.WithBit(infohash.Zero, 10, 1)
	staleID := infohash.WithBit(infohash.Zero, 11, 1)

	now := time.Now()
	good := NewNode(goodID, addr(1), FamilyV4)
	good.Touch(now)
	rt.InsertNode(good, now)

	stale := NewNode(staleID, addr(2), FamilyV4)
	stale.LastReply = now.Add(-2 * NodeExpireTime)
	stale.LastPinged = now.Add(-2 * NodeExpireTime)
	stale.Pending = true
	rt.InsertNode(stale, now)

	all := rt.AllGoodNodes(now)
	assert.Len(t, all, 1)
	assert.Equal(t, goodID, all[0].ID)
}
