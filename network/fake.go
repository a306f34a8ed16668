package network

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Fabric is an in-memory virtual UDP network: engines bound to the same
// Fabric can exchange datagrams by address without opening real sockets,
// letting tests exercise the full Engine/Request machinery (and, above
// it, the core's search/announce/listen flows) deterministically and
// without the flakiness of loopback sockets. This is the harness the
// distilled spec's end-to-end scenarios run against.
type Fabric struct {
	mu    sync.Mutex
	peers map[string]*pipeConn
	next  int
}

// NewFabric returns an empty virtual network.
func NewFabric() *Fabric {
	return &Fabric{peers: make(map[string]*pipeConn)}
}

// pipeAddr implements net.Addr for a Fabric peer.
type pipeAddr string

func (a pipeAddr) Network() string { return "fabric" }
func (a pipeAddr) String() string  { return string(a) }

// Listen registers a new peer on the fabric with a synthetic address and
// returns a net.PacketConn for it, suitable for network.NewWithConn.
func (f *Fabric) Listen() net.PacketConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	addr := pipeAddr(genFabricAddr(f.next))
	c := &pipeConn{
		fabric: f,
		addr:   addr,
		inbox:  make(chan datagram, 256),
		closed: make(chan struct{}),
	}
	f.peers[string(addr)] = c
	return c
}

func genFabricAddr(n int) string {
	return "fabric-peer-" + itoa(n) + ":0"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type datagram struct {
	from net.Addr
	data []byte
}

type pipeConn struct {
	fabric *Fabric
	addr   net.Addr
	inbox  chan datagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *pipeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		n := copy(p, d.data)
		return n, d.from, nil
	case <-c.closed:
		return 0, nil, errors.New("network: fabric conn closed")
	}
}

func (c *pipeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.fabric.mu.Lock()
	dest, ok := c.fabric.peers[addr.String()]
	c.fabric.mu.Unlock()
	if !ok {
		return 0, errors.New("network: no such fabric peer: " + addr.String())
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case dest.inbox <- datagram{from: c.addr, data: data}:
		return len(p), nil
	case <-dest.closed:
		return 0, errors.New("network: fabric peer closed")
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		c.fabric.mu.Lock()
		delete(c.fabric.peers, c.addr.String())
		c.fabric.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *pipeConn) LocalAddr() net.Addr               { return c.addr }
func (c *pipeConn) SetDeadline(t time.Time) error     { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }
