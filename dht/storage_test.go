package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/dhtnode/infohash"
)

func types() map[int]ValueType {
	return map[int]ValueType{UserDataType.ID: UserDataType}
}

func TestStoreAppendsNewValue(t *testing.T) {
	ks := newKeyStorage(infohash.Random())
	now := time.Now()

	v := &Value{ID: 1, Payload: []byte("hello")}
	res, err := ks.Store(v, now, 1024, types())
	require.NoError(t, err)
	assert.Equal(t, 5, res.DeltaSize)
	assert.Equal(t, 1, res.DeltaCount)
	assert.True(t, res.Notify)
	assert.Equal(t, 5, ks.TotalBytes)
}

func TestStoreRefreshesIdenticalPayloadWithoutNotify(t *testing.T) {
	ks := newKeyStorage(infohash.Random())
	now := time.Now()
	v := &Value{ID: 1, Payload: []byte("hello")}

	_, err := ks.Store(v, now, 1024, types())
	require.NoError(t, err)

	v2 := &Value{ID: 1, Payload: []byte("hello")}
	res, err := ks.Store(v2, now.Add(time.Minute), 1024, types())
	require.NoError(t, err)
	assert.False(t, res.Notify)
	assert.Equal(t, 0, res.DeltaSize)
	assert.Equal(t, 5, ks.TotalBytes)
}

func TestStoreRejectsOverQuota(t *testing.T) {
	ks := newKeyStorage(infohash.Random())
	now := time.Now()
	v := &Value{ID: 1, Payload: []byte("0123456789")}

	_, err := ks.Store(v, now, 5, types())
	assert.Error(t, err)
}

func TestExpireRemovesOldValues(t *testing.T) {
	ks := newKeyStorage(infohash.Random())
	now := time.Now()
	v := &Value{ID: 1, Payload: []byte("hello")}
	_, err := ks.Store(v, now, 1024, types())
	require.NoError(t, err)

	freedBytes, freedCount := ks.Expire(now.Add(UserDataExpiration+time.Second), types())
	assert.Equal(t, 5, freedBytes)
	assert.Equal(t, 1, freedCount)
	assert.Equal(t, 0, ks.Len())
}

func TestListenerExpiresWithoutRefresh(t *testing.T) {
	ks := newKeyStorage(infohash.Random())
	now := time.Now()
	ks.AddListener(&Listener{ID: infohash.Random(), ReceivedAt: now})

	kept := ks.ExpireListeners(now.Add(ListenExpireTime + time.Second))
	assert.Empty(t, kept)
}

func TestLocalListenerNotifiedOnMatchingStore(t *testing.T) {
	ks := newKeyStorage(infohash.Random())
	now := time.Now()

	var got []*Value
	ks.AddLocalListener(AcceptAll, func(vs []*Value) { got = append(got, vs...) })

	v := &Value{ID: 1, Payload: []byte("hello")}
	_, err := ks.Store(v, now, 1024, types())
	require.NoError(t, err)
	ks.NotifyLocal(v)

	require.Len(t, got, 1)
	assert.Equal(t, v, got[0])
}
