package dht

import (
	"net"
	"sync"

	"github.com/kadcore/dhtnode/infohash"
)

// NodeCache deduplicates Node records per (id, family), so the routing
// table, a Search's shortlist, and the maintenance jobs all observe the
// same liveness state for a given peer rather than drifting copies. It
// is a plain map holding strong references, and entries are never
// removed, so the cache keeps every Node it has seen alive even after
// the routing table and every Search have dropped it. Grounded on
// kademila/table.go's
// per-context node bookkeeping, generalized into its own type per
// SPEC_FULL.md's NodeCache component.
type NodeCache struct {
	mu    sync.Mutex
	nodes map[nodeKey]*Node
}

// NewNodeCache returns an empty cache.
func NewNodeCache() *NodeCache {
	return &NodeCache{nodes: make(map[nodeKey]*Node)}
}

// GetNode returns the cached Node for (id, family), constructing and
// registering a fresh one (not yet reachable from any table) if absent.
func (c *NodeCache) GetNode(id infohash.InfoHash, addr net.Addr, family Family) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := nodeKey{id: id, family: family}
	if n, ok := c.nodes[key]; ok {
		if addr != nil && n.Addr.String() != addr.String() {
			n.Addr = addr
		}
		return n
	}
	n := NewNode(id, addr, family)
	c.nodes[key] = n
	return n
}

// PutNode registers an already-constructed Node under its own key.
func (c *NodeCache) PutNode(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.Key()] = n
}

// Lookup returns the cached Node for (id, family) without constructing
// one.
func (c *NodeCache) Lookup(id infohash.InfoHash, family Family) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[nodeKey{id: id, family: family}]
	return n, ok
}

// ClearBadNodes clears the pending-ping flag of every cached node of the
// given family, so none counts as expired after a connectivity change;
// LastReply and LastPinged are left as they are.
func (c *NodeCache) ClearBadNodes(family Family) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, n := range c.nodes {
		if k.family != family {
			continue
		}
		n.Pending = false
	}
}

// Len reports the number of distinct (id, family) entries cached.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}
