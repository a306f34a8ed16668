package infohash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHexRoundTrip(t *testing.T) {
	h := Random()
	parsed, err := FromHex(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestFromHexWrongLength(t *testing.T) {
	_, err := FromHex("deadbeef")
	assert.Error(t, err)
}

func TestCmp(t *testing.T) {
	a, err := FromHex("000000000000000000000000000000000000000a")
	require.NoError(t, err)
	b, err := FromHex("000000000000000000000000000000000000000b")
	require.NoError(t, err)
	assert.Equal(t, -1, Cmp(a, b))
	assert.Equal(t, 1, Cmp(b, a))
	assert.Equal(t, 0, Cmp(a, a))
	assert.True(t, Less(a, b))
}

func TestXorIsSymmetricAndZeroOnSelf(t *testing.T) {
	a := Random()
	b := Random()
	assert.Equal(t, Xor(a, b), Xor(b, a))
	assert.Equal(t, Zero, Xor(a, a))
}

func TestCommonPrefixLenBasic(t *testing.T) {
	zero := Zero
	one := WithBit(Zero, 0, 1)
	assert.Equal(t, 0, CommonPrefixLen(zero, one))
	assert.Equal(t, 160, CommonPrefixLen(zero, zero))

	a := WithBit(Zero, 5, 1)
	b := WithBit(Zero, 5, 1)
	assert.Equal(t, 160, CommonPrefixLen(a, b))
}

func TestBitAndWithBit(t *testing.T) {
	h := WithBit(Zero, 0, 1)
	assert.Equal(t, 1, Bit(h, 0))
	assert.Equal(t, 0, Bit(h, 1))

	h2 := WithBit(h, 0, 0)
	assert.Equal(t, Zero, h2)
}

func TestIntRoundTrip(t *testing.T) {
	h := Random()
	got := FromInt(h.Int())
	assert.Equal(t, h, got)
}
