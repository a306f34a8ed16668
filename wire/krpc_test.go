package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeQueryRoundTrip(t *testing.T) {
	b, err := EncodeQuery("aa", MethodFindNode, "selfid0000000000000", map[string]interface{}{
		"target": "targetid000000000000",
		"want":   int64(WantV4 | WantV6),
	})
	require.NoError(t, err)
	assert.True(t, Validate(b))

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "aa", m.TID)
	assert.Equal(t, KindQuery, m.Kind)
	assert.Equal(t, MethodFindNode, m.Method)
	assert.Equal(t, "selfid0000000000000", m.NodeID)

	target, ok := m.StringArg("target")
	require.True(t, ok)
	assert.Equal(t, "targetid000000000000", target)

	want, ok := m.IntArg("want")
	require.True(t, ok)
	assert.Equal(t, WantV4|WantV6, want)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	b, err := EncodeResponse("bb", "selfid0000000000000", map[string]interface{}{
		"token": "tok123",
		"nodes": []interface{}{"node1", "node2"},
	})
	require.NoError(t, err)

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, m.Kind)
	assert.Equal(t, "selfid0000000000000", m.NodeID)

	token, ok := m.StringArg("token")
	require.True(t, ok)
	assert.Equal(t, "tok123", token)

	nodes, ok := m.StringSliceArg("nodes")
	require.True(t, ok)
	assert.Equal(t, []string{"node1", "node2"}, nodes)
}

func TestEncodeDecodeErrorRoundTrip(t *testing.T) {
	b, err := EncodeError("cc", 203, "bad token")
	require.NoError(t, err)

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindError, m.Kind)
	assert.Equal(t, 203, m.ErrCode)
	assert.Equal(t, "bad token", m.ErrMsg)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte("not bencode"))
	assert.Error(t, err)

	_, err = Decode([]byte("d1:t2:aae"))
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	b, err := encode(map[string]interface{}{"t": "dd", "y": "z"})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.Error(t, err)
}
