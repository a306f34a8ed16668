package dht

import (
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadcore/dhtnode/infohash"
	"github.com/kadcore/dhtnode/network"
	"github.com/kadcore/dhtnode/scheduler"
	"github.com/kadcore/dhtnode/wire"
)

// Config controls Dht construction, mirroring SPEC_FULL.md §6's
// {node_id, is_bootstrap} plus the storage ceiling and logger the
// ambient stack needs.
type Config struct {
	NodeID       infohash.InfoHash
	IsBootstrap  bool
	StorageLimit int
	Log          *logrus.Logger
	// IsBlacklisted lets the host application wire in address policy
	// without touching core code; defaults to a constant-false hook per
	// the Open Question decision recorded in DESIGN.md.
	IsBlacklisted func(net.Addr) bool
}

// Dht is the top-level node: routing tables, storage, searches, and
// tokens for both address families, orchestrated against a
// network.Engine per family and a shared scheduler.Scheduler. Grounded
// on SPEC_FULL.md §3's Dht data model and §4.7's lifecycle operations;
// structurally it plays the role of the teacher's Kademila type
// (kademila/kademila.go), generalized from a single v4-only context to
// the spec's dual-family, typed-value design.
type Dht struct {
	cfg Config
	log *logrus.Logger

	mu sync.Mutex

	cache   *NodeCache
	tables  map[Family]*RoutingTable
	storage *Storage
	tokens  *TokenBuilder

	searches map[Family]map[infohash.InfoHash]*Search
	doneLRU  map[Family]*searchLRU

	engines   map[Family]*network.Engine
	scheduler *scheduler.Scheduler

	blacklist    []string
	nextValueID  uint64
	shuttingDown bool
}

// New constructs a Dht over the given per-family engines and shared
// scheduler. Engines must already be running (network.New/NewWithConn);
// New wires its Handler.
func New(cfg Config, engines map[Family]*network.Engine, sched *scheduler.Scheduler) *Dht {
	if cfg.StorageLimit <= 0 {
		cfg.StorageLimit = DefaultStorageLimit
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.IsBlacklisted == nil {
		cfg.IsBlacklisted = func(net.Addr) bool { return false }
	}

	d := &Dht{
		cfg:       cfg,
		log:       log,
		cache:     NewNodeCache(),
		tables:    make(map[Family]*RoutingTable),
		storage:   NewStorage(cfg.StorageLimit),
		tokens:    NewTokenBuilder(sched.Now()),
		searches:  make(map[Family]map[infohash.InfoHash]*Search),
		doneLRU:   make(map[Family]*searchLRU),
		engines:   engines,
		scheduler: sched,
	}
	for family := range engines {
		d.tables[family] = NewRoutingTable(family, cfg.NodeID)
		d.searches[family] = make(map[infohash.InfoHash]*Search)
		d.doneLRU[family] = newSearchLRU()
	}
	for family, e := range engines {
		fam := family
		e.SetHandler(func(from net.Addr, m *wire.Message) (map[string]interface{}, error) {
			return d.dispatchQuery(fam, from, m)
		})
	}
	d.scheduleMaintenance()
	return d
}

func (d *Dht) scheduleMaintenance() {
	d.scheduler.ScheduleEvery(time.Minute, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		now := d.scheduler.Now()
		d.tokens.RotateIfDue(now)
		d.storage.Expire(now)
		for family, tbl := range d.tables {
			for _, target := range tbl.StaleBuckets(now, NodeExpireTime) {
				d.bootstrapSearchLocked(family, target, now)
			}
		}
	})
	d.scheduler.ScheduleEvery(SearchGetStep, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		now := d.scheduler.Now()
		for family, byKey := range d.searches {
			for key, s := range byKey {
				d.stepSearchLocked(family, key, s, now)
			}
		}
	})
}

// newNode resolves the shared Node for (id, addr, family) via the
// NodeCache and records it in the routing table, per SPEC_FULL.md
// §4.1's insertion policy. Must be called with d.mu held.
func (d *Dht) newNodeLocked(id infohash.InfoHash, addr net.Addr, family Family, now time.Time) *Node {
	n := d.cache.GetNode(id, addr, family)
	n.Touch(now)
	d.tables[family].InsertNode(n, now)
	return n
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// dispatchQuery handles one incoming KRPC query on the given family's
// engine, implementing SPEC_FULL.md §4.5's on-* handlers.
func (d *Dht) dispatchQuery(family Family, from net.Addr, m *wire.Message) (map[string]interface{}, error) {
	if d.cfg.IsBlacklisted(from) {
		return nil, &network.CodedError{Code: 0, Msg: "blacklisted"}
	}

	senderHex, _ := m.StringArg("id")
	senderID, err := infohash.FromHex(senderHex)
	if err != nil {
		return nil, &network.CodedError{Code: 500, Msg: "bad sender id"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.scheduler.Now()
	d.newNodeLocked(senderID, from, family, now)

	switch m.Method {
	case wire.MethodPing:
		return d.onPingLocked(), nil
	case wire.MethodFindNode:
		return d.onFindNodeLocked(family, m, now)
	case wire.MethodGetValues:
		return d.onGetValuesLocked(family, from, m, now)
	case wire.MethodListen:
		return d.onListenLocked(family, from, senderID, m, now)
	case wire.MethodAnnounceValue:
		return d.onAnnounceLocked(family, from, m, now)
	default:
		return nil, &network.CodedError{Code: 500, Msg: "unknown method"}
	}
}

func (d *Dht) onPingLocked() map[string]interface{} {
	return map[string]interface{}{}
}

func nodesToWire(nodes []*Node) []interface{} {
	out := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID.String()+"@"+addrString(n.Addr))
	}
	return out
}

func (d *Dht) onFindNodeLocked(family Family, m *wire.Message, now time.Time) (map[string]interface{}, error) {
	targetHex, ok := m.StringArg("target")
	if !ok {
		return nil, &network.CodedError{Code: 500, Msg: "missing target"}
	}
	target, err := infohash.FromHex(targetHex)
	if err != nil {
		return nil, &network.CodedError{Code: 500, Msg: "bad target"}
	}
	closest := d.tables[family].FindClosestNodes(target, now, TargetNodes)
	return map[string]interface{}{"nodes": nodesToWire(closest)}, nil
}

func (d *Dht) onGetValuesLocked(family Family, from net.Addr, m *wire.Message, now time.Time) (map[string]interface{}, error) {
	keyHex, ok := m.StringArg("target")
	if !ok {
		return nil, &network.CodedError{Code: 500, Msg: "missing target"}
	}
	key, err := infohash.FromHex(keyHex)
	if err != nil {
		return nil, &network.CodedError{Code: 500, Msg: "bad key"}
	}
	closest := d.tables[family].FindClosestNodes(key, now, TargetNodes)
	result := map[string]interface{}{
		"nodes": nodesToWire(closest),
		"token": hex.EncodeToString([]byte(d.tokens.MakeToken(addrString(from), false))),
	}
	if ks, ok := d.storage.Get(key); ok {
		result["values"] = valuesToWire(ks.Values())
	}
	return result, nil
}

func valuesToWire(values []*Value) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, map[string]interface{}{
			"vid":  int64(v.ID),
			"type": int64(v.Type),
			"data": string(v.Payload),
		})
	}
	return out
}

func (d *Dht) onListenLocked(family Family, from net.Addr, senderID infohash.InfoHash, m *wire.Message, now time.Time) (map[string]interface{}, error) {
	keyHex, _ := m.StringArg("target")
	key, err := infohash.FromHex(keyHex)
	if err != nil {
		return nil, &network.CodedError{Code: 500, Msg: "bad key"}
	}
	token, _ := m.StringArg("token")
	if !d.tokens.TokenMatch(decodeToken(token), addrString(from)) {
		return nil, &network.CodedError{Code: 203, Msg: "wrong token"}
	}
	rid, _ := m.StringArg("rid")
	ks := d.storage.GetOrCreate(key)
	ks.AddListener(&Listener{ID: senderID, Addr: addrString(from), RequestID: rid, ReceivedAt: now})

	closest := d.tables[family].FindClosestNodes(key, now, TargetNodes)
	return map[string]interface{}{
		"nodes":  nodesToWire(closest),
		"values": valuesToWire(ks.Values()),
	}, nil
}

func (d *Dht) onAnnounceLocked(family Family, from net.Addr, m *wire.Message, now time.Time) (map[string]interface{}, error) {
	keyHex, _ := m.StringArg("target")
	key, err := infohash.FromHex(keyHex)
	if err != nil {
		return nil, &network.CodedError{Code: 500, Msg: "bad key"}
	}
	token, _ := m.StringArg("token")
	if !d.tokens.TokenMatch(decodeToken(token), addrString(from)) {
		return nil, &network.CodedError{Code: 203, Msg: "wrong token"}
	}
	vid, _ := m.IntArg("vid")
	vtype, _ := m.IntArg("type")
	data, _ := m.StringArg("data")
	created, _ := m.IntArg("created")

	if created != 0 {
		ts := time.Unix(int64(created), 0)
		if ts.After(now.Add(bootstrapMaxSkew)) {
			return nil, &network.CodedError{Code: 400, Msg: "created in the future"}
		}
	}

	v := &Value{ID: uint64(vid), Type: vtype, Payload: []byte(data)}
	res, err := d.storage.Store(key, v, now)
	if err != nil {
		// QuotaExceeded still acks per SPEC_FULL.md §7, to avoid
		// peer-visible denial-of-service amplification.
		return map[string]interface{}{}, nil
	}
	if res.Notify {
		if ks, ok := d.storage.Get(key); ok {
			ks.NotifyLocal(v)
			d.pushToForeignListenersLocked(family, key, ks, v, now)
		}
	}
	return map[string]interface{}{}, nil
}

// decodeToken reverses the hex encoding onGetValuesLocked applies to the
// tokens it hands out; a token that is not valid hex decodes to "".
func decodeToken(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(b)
}

func (d *Dht) pushToForeignListenersLocked(family Family, key infohash.InfoHash, ks *KeyStorage, v *Value, now time.Time) {
	for _, l := range ks.ExpireListeners(now) {
		e, ok := d.engines[family]
		if !ok {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", l.Addr)
		if err != nil {
			continue
		}
		req, err := e.Send(addr, wire.MethodListen, map[string]interface{}{
			"target": key.String(),
			"rid":    l.RequestID,
			"push":   valuesToWire([]*Value{v}),
		})
		if err != nil {
			continue
		}
		req.OnDone(func(*wire.Message, error) {})
	}
}

// insertNode is the public entry point used by exportNodes/bootstrap
// persistence to seed the routing table with a previously-known peer.
func (d *Dht) InsertNode(id infohash.InfoHash, addr net.Addr, family Family) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.scheduler.Now()
	d.newNodeLocked(id, addr, family, now)
}

// PingNode issues a liveness ping to n, updating its state on reply or
// timeout.
func (d *Dht) PingNode(n *Node) {
	e, ok := d.engines[n.Family]
	if !ok {
		return
	}
	n.TouchPing(d.scheduler.Now())
	req, err := e.Send(n.Addr, wire.MethodPing, nil)
	if err != nil {
		return
	}
	req.OnDone(func(_ *wire.Message, err error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		now := d.scheduler.Now()
		if err != nil {
			return
		}
		n.Touch(now)
		d.tables[n.Family].InsertNode(n, now)
	})
}

// Config returns the Config the Dht was constructed with, for callers
// that need to report the node's identity or policy (e.g. the CLI's
// startup log line).
func (d *Dht) Config() Config {
	return d.cfg
}

// Stats is a point-in-time snapshot of observable core state, sampled by
// the metrics package without it ever touching core internals directly.
type Stats struct {
	RoutingTableNodes map[Family]int
	SearchesActive    map[Family]int
	StorageBytes      int
	StorageKeys       int
}

// Stats reports d's current routing table, search, and storage sizes.
func (d *Dht) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{
		RoutingTableNodes: make(map[Family]int, len(d.tables)),
		SearchesActive:    make(map[Family]int, len(d.searches)),
	}
	for family, tbl := range d.tables {
		st.RoutingTableNodes[family] = tbl.Len()
	}
	for family, byKey := range d.searches {
		st.SearchesActive[family] = len(byKey)
	}
	st.StorageBytes, st.StorageKeys = d.storage.TotalSize()
	return st
}

func (d *Dht) fresh() uint64 {
	d.nextValueID++
	return d.nextValueID
}

// SetStorageLimit updates the node's storage byte ceiling live, so a
// host application can reach Storage.SetLimit from outside the core
// without touching core internals directly (e.g. a config reload).
func (d *Dht) SetStorageLimit(bytes int) {
	d.storage.SetLimit(bytes)
}

// ShutdownCallback is fired once from Shutdown, after its final
// announce pass has gone out.
type ShutdownCallback func()

// Shutdown stops the node from accepting new put/get/listen operations,
// attempts one last announce of every unexpired locally-stored value to
// each active search's current target set, then invokes cb from a
// scheduled job, per SPEC_FULL.md's "shutdown(cb) drains pending work".
func (d *Dht) Shutdown(cb ShutdownCallback) {
	d.mu.Lock()
	d.shuttingDown = true
	now := d.scheduler.Now()

	d.storage.Expire(now)
	for family, byKey := range d.searches {
		for key, s := range byKey {
			ks, ok := d.storage.Get(key)
			if !ok {
				continue
			}
			target := s.TargetSet(now)
			for _, v := range ks.Values() {
				a := &Announce{Value: v, Created: now}
				for _, sn := range target {
					d.sendAnnounceLocked(family, key, sn, a)
				}
			}
		}
	}
	d.mu.Unlock()

	if cb != nil {
		d.scheduler.Schedule(0, cb)
	}
}
