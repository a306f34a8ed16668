package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/dhtnode/dht"
)

func TestEncodeDecodeValuesRoundTrip(t *testing.T) {
	values := []*dht.Value{
		{ID: 1, Type: 0, Payload: []byte("hello")},
		{ID: 2, Type: 7, Payload: []byte{}},
		{ID: 3, Type: 1, Payload: []byte("a longer payload with spaces")},
	}

	raw := encodeValues(values)
	got := decodeValues(raw)

	require.Len(t, got, len(values))
	for i := range values {
		assert.Equal(t, values[i].ID, got[i].ID)
		assert.Equal(t, values[i].Type, got[i].Type)
		assert.Equal(t, values[i].Payload, got[i].Payload)
	}
}

func TestDecodeValuesTruncatedInputStopsCleanly(t *testing.T) {
	raw := encodeValues([]*dht.Value{{ID: 1, Payload: []byte("hello")}})
	got := decodeValues(raw[:len(raw)-2])
	assert.Len(t, got, 0)
}
