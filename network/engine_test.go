package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/dhtnode/wire"
)

func newTestEngine(t *testing.T, fabric *Fabric, selfID string) *Engine {
	t.Helper()
	conn := fabric.Listen()
	e, err := NewWithConn(conn, Config{SelfID: selfID, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSendReceivesResponse(t *testing.T) {
	fabric := NewFabric()
	server := newTestEngine(t, fabric, "serverid0000000000000")
	client := newTestEngine(t, fabric, "clientid0000000000000")

	server.SetHandler(func(from net.Addr, m *wire.Message) (map[string]interface{}, error) {
		assert.Equal(t, wire.MethodPing, m.Method)
		return map[string]interface{}{"pong": int64(1)}, nil
	})

	req, err := client.Send(server.LocalAddr(), wire.MethodPing, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := req.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, req.Status())

	pong, ok := reply.IntArg("pong")
	require.True(t, ok)
	assert.Equal(t, 1, pong)
}

func TestSendReceivesErrorResponse(t *testing.T) {
	fabric := NewFabric()
	server := newTestEngine(t, fabric, "serverid0000000000000")
	client := newTestEngine(t, fabric, "clientid0000000000000")

	server.SetHandler(func(from net.Addr, m *wire.Message) (map[string]interface{}, error) {
		return nil, &CodedError{Code: 203, Msg: "bad token"}
	})

	req, err := client.Send(server.LocalAddr(), wire.MethodAnnounceValue, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = req.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, req.Status())
}

func TestExpireResolvesTimeout(t *testing.T) {
	fabric := NewFabric()
	client := newTestEngine(t, fabric, "clientid0000000000000")
	deadEnd := fabric.Listen()
	_ = deadEnd.Close()

	req, err := client.Send(deadEnd.LocalAddr(), wire.MethodPing, nil)
	require.NoError(t, err)

	client.Expire(req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = req.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StatusFailed, req.Status())
}

func TestCloseFailsPendingRequests(t *testing.T) {
	fabric := NewFabric()
	client := newTestEngine(t, fabric, "clientid0000000000000")
	server := fabric.Listen()
	defer server.Close()

	req, err := client.Send(server.LocalAddr(), wire.MethodPing, nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = req.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
