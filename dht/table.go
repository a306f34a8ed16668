package dht

import (
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kadcore/dhtnode/infohash"
)

// bucket covers a contiguous half-open range [min, max) of the id space
// and holds up to TargetNodes good nodes, sorted by id. Grounded on
// kademila/table.go's bucket type, generalized from a fixed K to
// TargetNodes and from []Node by value to []*Node so a bucket and a
// Search's shortlist can share the same underlying Node.
type bucket struct {
	min, max    *big.Int
	nodes       []*Node
	lastUpdated time.Time
	// cachedCandidate is a recently-heard address kept aside to replace
	// the first expiring node without a fresh lookup.
	cachedCandidate *Node
}

func newBucket(min, max *big.Int) *bucket {
	return &bucket{min: min, max: max, lastUpdated: time.Now()}
}

func (b *bucket) contains(id *big.Int) bool {
	return id.Cmp(b.min) >= 0 && id.Cmp(b.max) < 0
}

func (b *bucket) len() int { return len(b.nodes) }

func (b *bucket) insertPos(id *big.Int) int {
	return sort.Search(len(b.nodes), func(i int) bool {
		return b.nodes[i].ID.Int().Cmp(id) >= 0
	})
}

func (b *bucket) find(id *big.Int) (*Node, bool) {
	i := b.insertPos(id)
	if i < len(b.nodes) && b.nodes[i].ID.Int().Cmp(id) == 0 {
		return b.nodes[i], true
	}
	return nil, false
}

func (b *bucket) insertAt(n *Node) {
	i := b.insertPos(n.ID.Int())
	b.nodes = append(b.nodes, nil)
	copy(b.nodes[i+1:], b.nodes[i:])
	b.nodes[i] = n
	b.lastUpdated = time.Now()
}

func (b *bucket) remove(id *big.Int) {
	i := b.insertPos(id)
	if i < len(b.nodes) && b.nodes[i].ID.Int().Cmp(id) == 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	}
}

// depth returns the number of leading id bits shared by every node in
// the bucket (0 if empty), the split predicate named in SPEC_FULL.md.
func (b *bucket) depth() int {
	if len(b.nodes) == 0 {
		return 0
	}
	d := 160
	first := b.nodes[0].ID
	for _, n := range b.nodes[1:] {
		if cp := infohash.CommonPrefixLen(first, n.ID); cp < d {
			d = cp
		}
	}
	return d
}

// split divides b at the midpoint of its range, partitioning nodes
// between the two halves. b keeps the lower half; the upper half is
// returned. Grounded on kademila/table.go's bucket.split, generalized
// from *big.Int-backed []byte ids to infohash.InfoHash-sized math/big
// values covering 160 bits instead of the teacher's variable-length id.
func (b *bucket) split() *bucket {
	mid := new(big.Int).Add(b.min, b.max)
	mid.Rsh(mid, 1)

	upper := newBucket(mid, b.max)
	upper.lastUpdated = b.lastUpdated
	b.max = mid

	i := b.insertPos(mid)
	if i < len(b.nodes) {
		upper.nodes = append(upper.nodes, b.nodes[i:]...)
		b.nodes = b.nodes[:i]
	}
	return upper
}

func (b *bucket) randomID() infohash.InfoHash {
	d := new(big.Int).Sub(b.max, b.min)
	if d.Sign() <= 0 {
		return infohash.FromInt(b.min)
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	v := new(big.Int).Add(b.min, new(big.Int).Rand(r, d))
	return infohash.FromInt(v)
}

// RoutingTable is an ordered, contiguous, splitting list of buckets
// covering the whole 160-bit id space for one address family. Grounded
// on kademila/table.go's `table` type; the split rule itself (criterion
// for letting a bucket exceed a fixed array and subdivide) follows
// SPEC_FULL.md §4.1, which generalizes the teacher's "split iff the
// bucket contains myid" rule to also allow splitting near-self buckets
// per the Kademlia "always-split" convention from
// original_source/include/opendht/dht.h.
type RoutingTable struct {
	family Family
	selfID infohash.InfoHash

	mu      sync.Mutex
	buckets []*bucket
}

// NewRoutingTable returns a table for the given family and local id,
// starting as a single bucket spanning the whole id space.
func NewRoutingTable(family Family, selfID infohash.InfoHash) *RoutingTable {
	min := big.NewInt(0)
	max := new(big.Int).Lsh(big.NewInt(1), 160)
	return &RoutingTable{
		family:  family,
		selfID:  selfID,
		buckets: []*bucket{newBucket(min, max)},
	}
}

func (t *RoutingTable) findBucketIdx(id *big.Int) int {
	return sort.Search(len(t.buckets), func(i int) bool {
		return t.buckets[i].max.Cmp(id) > 0
	})
}

// maySplit implements the rule from SPEC_FULL.md §4.1: a bucket may
// split only if it contains our own id, or it shares a long-enough
// prefix with it and is not yet maximally deep.
func (t *RoutingTable) maySplit(b *bucket) bool {
	selfInt := t.selfID.Int()
	if b.contains(selfInt) {
		return true
	}
	d := b.depth()
	return d < 159 && infohash.CommonPrefixLen(infohash.FromInt(b.min), t.selfID) >= d
}

// InsertNode applies the insertion policy on hearing from n: refresh in
// place if already present (taking over n's reply time only if it is
// newer, so a node that has not itself replied is not made good); append
// if room; split and retry if the
// bucket may split; otherwise evict the oldest expired node or remember
// n as a candidate. now is used to judge liveness when evicting.
func (t *RoutingTable) InsertNode(n *Node, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.ID == t.selfID {
		return false
	}

	k := n.ID.Int()
	idx := t.findBucketIdx(k)
	b := t.buckets[idx]

	for {
		if existing, ok := b.find(k); ok {
			if n.LastReply.After(existing.LastReply) {
				existing.Touch(n.LastReply)
			}
			if existing.Addr != n.Addr {
				existing.Addr = n.Addr
			}
			return true
		}
		if b.len() < TargetNodes {
			b.insertAt(n)
			return true
		}
		if t.maySplit(b) {
			upper := b.split()
			t.buckets = append(t.buckets, nil)
			copy(t.buckets[idx+2:], t.buckets[idx+1:])
			t.buckets[idx+1] = upper
			if upper.contains(k) {
				idx++
				b = upper
			}
			continue
		}
		// No room and cannot split: replace an expired node if any,
		// else remember n as the bucket's candidate for later promotion.
		for _, existing := range b.nodes {
			if existing.IsExpired(now) {
				b.remove(existing.ID.Int())
				b.insertAt(n)
				return true
			}
		}
		b.cachedCandidate = n
		return false
	}
}

// RemoveNode removes n from whichever bucket currently holds it.
func (t *RoutingTable) RemoveNode(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findBucketIdx(n.ID.Int())
	t.buckets[idx].remove(n.ID.Int())
}

// FindClosestNodes walks outward from the bucket covering id, collecting
// non-expired nodes until count are gathered, then returns them sorted
// by XOR distance to id ascending. Grounded on SPEC_FULL.md §4.1's
// findClosestNodes walk (bucket itself, then alternating neighbors).
func (t *RoutingTable) FindClosestNodes(id infohash.InfoHash, now time.Time, count int) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findBucketIdx(id.Int())
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	var out []*Node
	out = appendGood(out, t.buckets[idx].nodes, now)

	lo, hi := idx-1, idx+1
	for len(out) < count && (lo >= 0 || hi < len(t.buckets)) {
		if lo >= 0 {
			out = appendGood(out, t.buckets[lo].nodes, now)
			lo--
		}
		if len(out) >= count {
			break
		}
		if hi < len(t.buckets) {
			out = appendGood(out, t.buckets[hi].nodes, now)
			hi++
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return infohash.Less(infohash.Xor(out[i].ID, id), infohash.Xor(out[j].ID, id))
	})
	if len(out) > count {
		out = out[:count]
	}
	return out
}

func appendGood(out []*Node, nodes []*Node, now time.Time) []*Node {
	for _, n := range nodes {
		if !n.IsExpired(now) {
			out = append(out, n)
		}
	}
	return out
}

// Len reports the total number of nodes across all buckets.
func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}

// BucketCount reports the number of buckets currently in the table.
func (t *RoutingTable) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// StaleBuckets returns buckets that are empty or haven't changed within
// maxAge, each paired with a random id inside it — the targets for the
// periodic bucket-refresh maintenance job.
func (t *RoutingTable) StaleBuckets(now time.Time, maxAge time.Duration) []infohash.InfoHash {
	t.mu.Lock()
	defer t.mu.Unlock()
	var targets []infohash.InfoHash
	for _, b := range t.buckets {
		if b.len() == 0 || now.Sub(b.lastUpdated) >= maxAge {
			targets = append(targets, b.randomID())
		}
	}
	return targets
}

// QuestionableNodes returns every node whose last reply is old enough to
// warrant a liveness ping, per the periodic node-refresh maintenance job.
func (t *RoutingTable) QuestionableNodes(now time.Time, age time.Duration) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Node
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.LastReply.IsZero() || now.Sub(n.LastReply) >= age {
				out = append(out, n)
			}
		}
	}
	return out
}

// AllGoodNodes returns every currently-good node, ordered bucket by
// bucket (diverse buckets first), for exportNodes.
func (t *RoutingTable) AllGoodNodes(now time.Time) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Node
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.IsGood(now) {
				out = append(out, n)
			}
		}
	}
	return out
}
