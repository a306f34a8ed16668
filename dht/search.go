package dht

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kadcore/dhtnode/infohash"
	"github.com/kadcore/dhtnode/network"
)

// SearchNode is one entry in a Search's shortlist: a candidate Node plus
// the bookkeeping needed to drive gets, announces, and listens against
// it. At most one get_values is in flight per node (CanGet refuses while
// one is pending); listen and announce requests are not checked for a
// pending predecessor. Grounded on SPEC_FULL.md §3's SearchNode and the iterative
// lookup shape of the teacher's dht/find.go finder, replacing its
// one-shot recursive fan-out with the persistent per-node state the
// spec's predicates (synced/canGet/isAnnounced/listening) require.
type SearchNode struct {
	Node *Node

	LastGetReply time.Time
	Token        string

	GetStatus    *network.Request
	ListenStatus *network.Request
	Acked        map[uint64]ackEntry

	Candidate bool
}

type ackEntry struct {
	req      *network.Request
	replyAt  time.Time
	acked    bool
}

func newSearchNode(n *Node) *SearchNode {
	return &SearchNode{Node: n, Acked: make(map[uint64]ackEntry)}
}

// Synced reports whether this node is live, holds a token, and answered
// recently enough to trust.
func (sn *SearchNode) Synced(now time.Time) bool {
	return !sn.Node.IsExpired(now) && sn.Token != "" && !sn.LastGetReply.Before(now.Add(-NodeExpireTime))
}

// CanGet reports whether a fresh get_values may be sent to this node.
func (sn *SearchNode) CanGet(now time.Time, update bool) bool {
	if sn.Node.IsExpired(now) {
		return false
	}
	if sn.GetStatus != nil && sn.GetStatus.Status() == network.StatusPending {
		return false
	}
	return update || now.After(sn.LastGetReply.Add(NodeExpireTime))
}

// Announced reports whether value vid, with the given type expiration,
// is still considered announced to this node.
func (sn *SearchNode) Announced(vid uint64, expiration time.Duration, now time.Time) bool {
	a, ok := sn.Acked[vid]
	if !ok || !a.acked {
		return false
	}
	return a.replyAt.Add(expiration).After(now)
}

// AnnounceTime returns when vid's announce to this node may next be
// (re-)sent.
func (sn *SearchNode) AnnounceTime(vid uint64, expiration time.Duration) time.Time {
	a, ok := sn.Acked[vid]
	if !ok {
		return time.Time{}
	}
	return a.replyAt.Add(expiration - ReannounceMargin)
}

// Listening reports whether a listen request to this node for the
// search's key has been answered. The answer is not aged: once a listen
// is acknowledged it counts as live and is not re-sent.
func (sn *SearchNode) Listening(now time.Time) bool {
	return sn.ListenStatus != nil && sn.ListenStatus.Status() == network.StatusReplied
}

// Get is a pending get() call attached to a Search.
type Get struct {
	Start  time.Time
	Filter Filter
	OnValue func([]*Value) bool
	Done    func(success bool, nodes []*Node)
	seen    map[uint64]bool
}

// Announce is a pending put() call attached to a Search: it never
// completes on its own, re-announcing on every renewal cycle until
// cancelPut removes it.
type Announce struct {
	Value   *Value
	Created time.Time
	Done    func(success bool, nodes []*Node)
}

// Search is the iterative lookup state machine for one key in one
// address family: a bounded, XOR-sorted shortlist of candidates plus the
// pending operations driving it. Grounded on SPEC_FULL.md §4.4 and
// original_source/include/opendht/dht.h's Search/SearchNode pair; the
// teacher's closest analogue (kademila/finder.go) is a one-shot
// recursive helper rather than persistent per-key state, so this type is
// built fresh from the spec rather than adapted line-by-line.
type Search struct {
	ID     infohash.InfoHash
	Family Family

	Nodes []*SearchNode

	Callbacks []*Get
	Announces []*Announce
	Listeners []*LocalListener

	StepTime    time.Time
	GetStepTime time.Time
	RefillTime  time.Time
	Done        bool
}

// NewSearch returns an empty, unbootstrapped Search for key id.
func NewSearch(id infohash.InfoHash, family Family) *Search {
	return &Search{ID: id, Family: family}
}

// Bootstrap seeds the shortlist from the routing table's closest nodes,
// per SPEC_FULL.md §4.4's bootstrapSearch.
func (s *Search) Bootstrap(rt *RoutingTable, now time.Time) {
	for _, n := range rt.FindClosestNodes(s.ID, now, SearchNodes) {
		s.InsertNode(n, now, "")
	}
}

// InsertNode inserts or refreshes n in the shortlist, keeping it sorted
// by XOR distance to the search key and capped at SearchNodes. Returns
// false if n was already present (its entry is refreshed); otherwise
// returns whether the new entry survived truncation.
func (s *Search) InsertNode(n *Node, now time.Time, token string) bool {
	for _, sn := range s.Nodes {
		if sn.Node.ID == n.ID {
			sn.LastGetReply = now
			if token != "" {
				sn.Token = token
			}
			return false
		}
	}

	sn := newSearchNode(n)
	if token != "" {
		sn.Token = token
		sn.LastGetReply = now
	}
	sn.Candidate = s.everSynced()

	target := infohash.Xor(n.ID, s.ID)
	i := sort.Search(len(s.Nodes), func(i int) bool {
		return !infohash.Less(infohash.Xor(s.Nodes[i].Node.ID, s.ID), target)
	})
	s.Nodes = append(s.Nodes, nil)
	copy(s.Nodes[i+1:], s.Nodes[i:])
	s.Nodes[i] = sn

	if len(s.Nodes) > SearchNodes {
		s.Nodes = s.Nodes[:SearchNodes]
		return i < SearchNodes
	}
	return true
}

func (s *Search) everSynced() bool {
	for _, sn := range s.Nodes {
		if sn.Token != "" {
			return true
		}
	}
	return false
}

// RemoveExpiredNodes evicts shortlist entries whose Node is expired.
func (s *Search) RemoveExpiredNodes(now time.Time) {
	var kept []*SearchNode
	for _, sn := range s.Nodes {
		if !sn.Node.IsExpired(now) {
			kept = append(kept, sn)
		}
	}
	s.Nodes = kept
}

// TargetSet returns the first up-to-TargetNodes synced nodes, the set
// used for announce/listen operations.
func (s *Search) TargetSet(now time.Time) []*SearchNode {
	var out []*SearchNode
	for _, sn := range s.Nodes {
		if sn.Synced(now) {
			out = append(out, sn)
			if len(out) == TargetNodes {
				break
			}
		}
	}
	return out
}

// Synced reports whether the search has reached a steady state: among
// its closest non-expired candidates (at most TargetNodes of them), all
// have replied and hold a token, and at least one such candidate exists.
// Grounded on OpenDHT's Search::isSynced (original_source/include/
// opendht/dht.h) rather than a literal "TargetNodes synced" count: a
// network smaller than TargetNodes must still be able to sync.
func (s *Search) Synced(now time.Time) bool {
	considered := 0
	for _, sn := range s.Nodes {
		if sn.Node.IsExpired(now) {
			continue
		}
		if considered == TargetNodes {
			break
		}
		considered++
		if !sn.Synced(now) {
			return false
		}
	}
	return considered > 0
}

// Expired reports whether the search has no live nodes, or hasn't
// stepped in SearchExpireTime.
func (s *Search) Expired(now time.Time) bool {
	if now.Sub(s.StepTime) > SearchExpireTime {
		return true
	}
	for _, sn := range s.Nodes {
		if !sn.Node.IsExpired(now) {
			return false
		}
	}
	return len(s.Nodes) > 0
}

// Refill adds routing-table nodes not already present, respecting the
// "at most once per 5s" lower bound from the Open Question decision.
func (s *Search) Refill(rt *RoutingTable, now time.Time) {
	if len(s.Nodes) >= SearchNodes {
		return
	}
	if !s.RefillTime.IsZero() && now.Before(s.RefillTime.Add(refillMinInterval)) {
		return
	}
	s.RefillTime = now
	present := make(map[infohash.InfoHash]bool, len(s.Nodes))
	for _, sn := range s.Nodes {
		present[sn.Node.ID] = true
	}
	for _, n := range rt.FindClosestNodes(s.ID, now, SearchNodes) {
		if !present[n.ID] {
			s.InsertNode(n, now, "")
		}
	}
}

// UnqueriedCandidates returns up to n shortlist entries eligible for a
// fresh get_values, closest-first.
func (s *Search) UnqueriedCandidates(now time.Time, n int) []*SearchNode {
	var out []*SearchNode
	for _, sn := range s.Nodes {
		if sn.CanGet(now, false) {
			out = append(out, sn)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

// searchLRU bounds how many done searches are retained per family,
// evicting least-recently-used once MaxSearches is exceeded, per
// SPEC_FULL.md §5's bounded-memory requirement. Keyed directly on the
// search's infohash.InfoHash, which (as a [20]byte array) is comparable
// and satisfies the LRU library's key type parameter.
type searchLRU struct {
	lru *simplelru.LRU[infohash.InfoHash, *Search]
}

func newSearchLRU() *searchLRU {
	l, _ := simplelru.NewLRU[infohash.InfoHash, *Search](MaxSearches, nil)
	return &searchLRU{lru: l}
}

func (l *searchLRU) get(id infohash.InfoHash) (*Search, bool) {
	return l.lru.Get(id)
}

func (l *searchLRU) put(s *Search) {
	l.lru.Add(s.ID, s)
}

func (l *searchLRU) remove(id infohash.InfoHash) {
	l.lru.Remove(id)
}

func (l *searchLRU) len() int {
	return l.lru.Len()
}
