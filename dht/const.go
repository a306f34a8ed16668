// Package dht implements the DHT node's in-memory state machine: routing
// table and bucket maintenance, the iterative search algorithm, per-key
// storage with listener fan-out, the node cache, rolling write tokens,
// and the scheduler-driven maintenance loop that ties them together.
// It plays the role the teacher's kademila package plays for its own
// mainline-DHT node, generalized to a five-message protocol
// (ping/find_node/get_values/listen/announce_value) and a proper
// splitting routing table.
package dht

import "time"

// Wire-exposed timing and sizing constants, preserved from the protocol
// this node interoperates with. Encoded as typed values rather than
// process-wide mutable globals, per the teacher's own const.go idiom
// (kademila/const.go, dht/const.go) generalized to typed time.Duration
// and int constants instead of bare numeric literals.
const (
	// TargetNodes is the number of good nodes a bucket holds, and the
	// size of a search's "target set" used for announce/listen.
	TargetNodes = 8
	// SearchNodes bounds a Search's shortlist.
	SearchNodes = 14
	// ListenNodes bounds the nodes a local listen tracks actively.
	ListenNodes = 3

	// NodeExpireTime is how long since a node's last reply it is still
	// considered good.
	NodeExpireTime = 15 * time.Minute
	// ListenExpireTime is how long a foreign Listener survives without
	// being refreshed by a repeated listen request.
	ListenExpireTime = 30 * time.Second

	// SearchGetStep bounds how often a Search issues a fresh batch of
	// get_values queries to unqueried candidates.
	SearchGetStep = 3 * time.Second
	// SearchExpireTime is how long a Search may go without a step before
	// it is considered expired (but kept around for reactivation).
	SearchExpireTime = 62 * time.Minute
	// ReannounceMargin is how much earlier than a value's expiration the
	// DHT re-announces it.
	ReannounceMargin = 5 * time.Second

	// MaxStorageMaintenanceExpireTime bounds how long the periodic
	// storage-expiry sweep may run before yielding.
	MaxStorageMaintenanceExpireTime = 10 * time.Minute

	// MaxValues bounds the number of values held under a single key.
	MaxValues = 2048
	// MaxHashes bounds the number of distinct keys held in storage.
	MaxHashes = 16384
	// MaxSearches caps the done searches retained per address family for
	// reactivation, least recently used evicted first; active searches
	// are not counted against it.
	MaxSearches = 128

	// TokenSize is the nominal length in bytes of a write token.
	TokenSize = 64
	// BlacklistMax bounds the blacklist ring.
	BlacklistMax = 10
	// DefaultStorageLimit is the default ceiling on total stored bytes.
	DefaultStorageLimit = 64 * 1024 * 1024

	// refillMinInterval is the "at most once per 5s" lower bound on how
	// often a Search refills its shortlist from the routing table, per
	// the Open Question decision recorded in the design notes: treated
	// as a floor, not an exact cadence.
	refillMinInterval = 5 * time.Second

	// bootstrapMaxSkew bounds how far in the future an announce's
	// `created` timestamp may sit before it is rejected as implausible.
	bootstrapMaxSkew = 5 * time.Second
)

// Family distinguishes the address family a Node, Bucket, RoutingTable,
// or Search belongs to. One RoutingTable and up to one Search per key
// exists per Family.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV4 {
		return "v4"
	}
	return "v6"
}
