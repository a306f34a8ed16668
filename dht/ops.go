package dht

import (
	"net"
	"time"

	"github.com/kadcore/dhtnode/infohash"
	"github.com/kadcore/dhtnode/network"
	"github.com/kadcore/dhtnode/wire"
)

// Get starts (or attaches to) searches for key in both families, per
// SPEC_FULL.md §4.7's get: ensure both searches exist, append a Get to
// each, and step them immediately rather than waiting for the next
// scheduled tick. It also consults this node's own storage up front, so
// a value held locally is delivered even on a node with no peers to
// search (SPEC_FULL.md §8 scenario S2's same-node put/get).
func (d *Dht) Get(key infohash.InfoHash, onValue func([]*Value) bool, done func(bool, []*Node), filter Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown {
		return
	}
	now := d.scheduler.Now()

	if filter == nil {
		filter = AcceptAll
	}

	shared := &Get{Start: now, Filter: filter, OnValue: onValue, Done: done, seen: make(map[uint64]bool)}
	if ks, ok := d.storage.Get(key); ok {
		var local []*Value
		for _, v := range ks.Values() {
			if !filter(v) {
				continue
			}
			shared.seen[v.ID] = true
			local = append(local, v)
		}
		if len(local) > 0 && onValue != nil {
			onValue(local)
		}
	}

	// A bootstrap node initiates no network operations of its own
	// (SPEC_FULL.md §6); it still serves the local-storage lookup above.
	if d.cfg.IsBootstrap {
		return
	}

	for family := range d.engines {
		s := d.searchFor(family, key, now)
		s.Callbacks = append(s.Callbacks, shared)
		d.stepSearchLocked(family, key, s, now)
	}
}

// Put starts an ongoing announce for value under key in both families,
// and stores value in this node's own storage so GetLocalByID and Get
// see it at once. Per SPEC_FULL.md §4.7, a put never ends by itself: the
// same Announce drives fresh announce requests on every renewal cycle
// until CancelPut removes it. done is kept on each Announce but is never
// called, so a put reports no completion.
func (d *Dht) Put(key infohash.InfoHash, value *Value, created time.Time, done func(bool, []*Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown {
		return
	}
	now := d.scheduler.Now()

	if d.cfg.IsBootstrap {
		return
	}
	d.storeLocal(key, value, created)
	for family := range d.engines {
		s := d.searchFor(family, key, now)
		s.Announces = append(s.Announces, &Announce{Value: value, Created: created, Done: done})
		d.stepSearchLocked(family, key, s, now)
	}
}

// CancelPut removes every pending Announce for (key, value id) from both
// families' searches.
func (d *Dht) CancelPut(key infohash.InfoHash, valueID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for family := range d.engines {
		s, ok := d.searches[family][key]
		if !ok {
			continue
		}
		kept := s.Announces[:0]
		for _, a := range s.Announces {
			if a.Value.ID != valueID {
				kept = append(kept, a)
			}
		}
		s.Announces = kept
	}
}

// Listen registers a host-application subscription on key, starting
// per-family listen searches and a local listener on any local storage
// for the key. Returns a token CancelListen later uses to tear it down.
func (d *Dht) Listen(key infohash.InfoHash, filter Filter, notify func([]*Value)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown {
		return 0
	}
	now := d.scheduler.Now()

	ks := d.storage.GetOrCreate(key)
	token := ks.AddLocalListener(filter, notify)

	// A bootstrap node initiates no network operations of its own
	// (SPEC_FULL.md §6); it still registers the local listener above.
	if d.cfg.IsBootstrap {
		return token
	}

	for family := range d.engines {
		s := d.searchFor(family, key, now)
		s.Listeners = append(s.Listeners, &LocalListener{Token: token, Filter: filter, Notify: notify})
		d.stepSearchLocked(family, key, s, now)
	}
	return token
}

// CancelListen tears down the local listener and both families' listen
// searches registered under token.
func (d *Dht) CancelListen(key infohash.InfoHash, token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ks, ok := d.storage.Get(key); ok {
		ks.RemoveLocalListener(token)
	}
	for family := range d.engines {
		s, ok := d.searches[family][key]
		if !ok {
			continue
		}
		kept := s.Listeners[:0]
		for _, l := range s.Listeners {
			if l.Token != token {
				kept = append(kept, l)
			}
		}
		s.Listeners = kept
	}
}

// ConnectivityChanged resets liveness assumptions across the node, per
// SPEC_FULL.md §4.7: clears bad-node state, the blacklist, re-bootstraps
// every active search as all-candidate, and rotates secrets immediately
// since any previously-issued tokens may now be bound to a stale address.
func (d *Dht) ConnectivityChanged() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.scheduler.Now()

	for family := range d.engines {
		d.cache.ClearBadNodes(family)
	}
	d.blacklist = nil
	d.tokens.Rotate(now)

	for family, byKey := range d.searches {
		for _, s := range byKey {
			for _, sn := range s.Nodes {
				sn.Candidate = true
			}
			s.Bootstrap(d.tables[family], now)
		}
	}
}

// ImportValues bulk-loads previously-persisted key/value pairs, e.g.
// after a restart, bypassing the usual admission quota since the data
// was already admitted once before export.
func (d *Dht) ImportValues(entries map[infohash.InfoHash][]*Value, created time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, values := range entries {
		d.storage.Import(key, values, created)
	}
}

// ExportValues returns every key's currently-stored values, for
// persistence across restarts.
func (d *Dht) ExportValues() map[infohash.InfoHash][]*Value {
	return d.storage.Export()
}

// NodeExport is one routing-table entry in the node export format
// (SPEC_FULL.md §6): an id plus the address it was last reachable at.
type NodeExport struct {
	ID     infohash.InfoHash
	Addr   string
	Family Family
}

// ExportNodes enumerates good nodes across both routing tables, ordered
// so the first entries give the fastest re-join: newest last-reply
// first within each family, families interleaved for bucket diversity.
func (d *Dht) ExportNodes() []NodeExport {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.scheduler.Now()

	perFamily := make(map[Family][]*Node)
	for family, tbl := range d.tables {
		nodes := tbl.AllGoodNodes(now)
		sortByRecency(nodes)
		perFamily[family] = nodes
	}

	var out []NodeExport
	for i := 0; ; i++ {
		any := false
		for family, nodes := range perFamily {
			if i < len(nodes) {
				out = append(out, NodeExport{ID: nodes[i].ID, Addr: addrString(nodes[i].Addr), Family: family})
				any = true
			}
		}
		if !any {
			break
		}
	}
	return out
}

func sortByRecency(nodes []*Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].LastReply.After(nodes[j-1].LastReply); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// GetLocalByID returns a locally-stored value by key and value id,
// used by the CLI and by tests exercising the same-node put/get path
// (SPEC_FULL.md §8 scenario S2).
func (d *Dht) GetLocalByID(key infohash.InfoHash, valueID uint64) (*Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ks, ok := d.storage.Get(key)
	if !ok {
		return nil, false
	}
	return ks.GetByID(valueID)
}

// storeLocal admits a value directly into this node's own storage and
// notifies any matching local listeners; Put uses it to keep its own
// copy of every value it announces.
func (d *Dht) storeLocal(key infohash.InfoHash, v *Value, created time.Time) {
	res, err := d.storage.Store(key, v, created)
	if err != nil {
		return
	}
	if res.Notify {
		if ks, ok := d.storage.Get(key); ok {
			ks.NotifyLocal(v)
		}
	}
}

// searchFor returns the Search for (family, key), creating and
// bootstrapping one from the routing table (and reviving it from the
// done-search LRU) if none is active. Must be called with d.mu held.
func (d *Dht) searchFor(family Family, key infohash.InfoHash, now time.Time) *Search {
	if s, ok := d.searches[family][key]; ok {
		return s
	}
	if s, ok := d.doneLRU[family].get(key); ok {
		d.doneLRU[family].remove(key)
		s.Done = false
		d.searches[family][key] = s
		return s
	}
	s := NewSearch(key, family)
	s.Bootstrap(d.tables[family], now)
	d.searches[family][key] = s
	return s
}

func (d *Dht) bootstrapSearchLocked(family Family, target infohash.InfoHash, now time.Time) {
	s := d.searchFor(family, target, now)
	d.stepSearchLocked(family, target, s, now)
}

// stepSearchLocked advances one Search by one step, per SPEC_FULL.md
// §4.4's searchStep algorithm. Must be called with d.mu held.
func (d *Dht) stepSearchLocked(family Family, key infohash.InfoHash, s *Search, now time.Time) {
	s.StepTime = now
	s.RemoveExpiredNodes(now)
	s.Refill(d.tables[family], now)

	if now.Sub(s.GetStepTime) >= SearchGetStep {
		s.GetStepTime = now
		for _, sn := range s.UnqueriedCandidates(now, 3) {
			d.sendGetValuesLocked(family, key, s, sn)
		}
	}

	if s.Synced(now) {
		target := s.TargetSet(now)
		for _, a := range s.Announces {
			for _, sn := range target {
				typ := UserDataType.Expiration
				if sn.Announced(a.Value.ID, typ, now) {
					continue
				}
				if !sn.AnnounceTime(a.Value.ID, typ).IsZero() && now.Before(sn.AnnounceTime(a.Value.ID, typ)) {
					continue
				}
				d.sendAnnounceLocked(family, key, sn, a)
			}
		}
		for _, l := range s.Listeners {
			for _, sn := range target {
				if sn.Listening(now) {
					continue
				}
				d.sendListenLocked(family, key, sn, l)
			}
		}
	}

	d.completeDoneGetsLocked(family, key, s, now)

	if s.Expired(now) {
		delete(d.searches[family], key)
		s.Done = true
		d.doneLRU[family].put(s)
	}
}

func (d *Dht) sendGetValuesLocked(family Family, key infohash.InfoHash, s *Search, sn *SearchNode) {
	e, ok := d.engines[family]
	if !ok {
		return
	}
	req, err := e.Send(sn.Node.Addr, wire.MethodGetValues, map[string]interface{}{
		"target": key.String(),
	})
	if err != nil {
		return
	}
	sn.GetStatus = req
	req.OnDone(func(reply *wire.Message, err error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		now := d.scheduler.Now()
		if err != nil {
			sn.Node.Pending = true
			return
		}
		d.onGetValuesDoneLocked(family, key, s, sn, reply, now)
	})
}

func (d *Dht) onGetValuesDoneLocked(family Family, key infohash.InfoHash, s *Search, sn *SearchNode, reply *wire.Message, now time.Time) {
	sn.Node.Touch(now)
	sn.LastGetReply = now
	if token, ok := reply.StringArg("token"); ok {
		sn.Token = token
	}
	d.tables[family].InsertNode(sn.Node, now)

	if nodeStrs, ok := reply.StringSliceArg("nodes"); ok {
		for _, raw := range nodeStrs {
			n := parseWireNode(raw, family)
			if n == nil {
				continue
			}
			cached := d.cache.GetNode(n.ID, n.Addr, family)
			s.InsertNode(cached, now, "")
			// Discovered nodes are inserted into the routing table as
			// dubious (untouched) candidates, per SPEC_FULL.md §4.5; only
			// a direct reply from the node itself calls Touch.
			d.tables[family].InsertNode(cached, now)
		}
	}

	values := reply.Args["values"]
	list, _ := values.([]interface{})
	var delivered []*Value
	for _, raw := range list {
		v := parseWireValue(raw)
		if v == nil {
			continue
		}
		delivered = append(delivered, v)
	}
	if len(delivered) == 0 {
		return
	}
	for _, get := range s.Callbacks {
		var accepted []*Value
		for _, v := range delivered {
			if get.seen[v.ID] {
				continue
			}
			filter := get.Filter
			if filter == nil {
				filter = AcceptAll
			}
			if filter(v) {
				get.seen[v.ID] = true
				accepted = append(accepted, v)
			}
		}
		if len(accepted) > 0 && get.OnValue != nil {
			get.OnValue(accepted)
		}
	}
}

func (d *Dht) sendAnnounceLocked(family Family, key infohash.InfoHash, sn *SearchNode, a *Announce) {
	e, ok := d.engines[family]
	if !ok {
		return
	}
	req, err := e.Send(sn.Node.Addr, wire.MethodAnnounceValue, map[string]interface{}{
		"target":  key.String(),
		"token":   sn.Token,
		"vid":     int64(a.Value.ID),
		"type":    int64(a.Value.Type),
		"data":    string(a.Value.Payload),
		"created": a.Created.Unix(),
	})
	if err != nil {
		return
	}
	req.OnDone(func(reply *wire.Message, err error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		now := d.scheduler.Now()
		if err != nil {
			// WrongToken: clear the stale token so the next step sends a
			// fresh get_values before retrying the announce, per
			// SPEC_FULL.md §4.5's onError(WrongToken) handling. Other
			// failures leave the token in place.
			if reply != nil && reply.ErrCode == 203 {
				sn.Token = ""
				sn.LastGetReply = time.Time{}
			}
			return
		}
		sn.Acked[a.Value.ID] = ackEntry{req: req, replyAt: now, acked: true}
	})
}

func (d *Dht) sendListenLocked(family Family, key infohash.InfoHash, sn *SearchNode, l *LocalListener) {
	e, ok := d.engines[family]
	if !ok {
		return
	}
	req, err := e.Send(sn.Node.Addr, wire.MethodListen, map[string]interface{}{
		"target": key.String(),
		"token":  sn.Token,
		"rid":    "",
	})
	if err != nil {
		return
	}
	sn.ListenStatus = req
	req.OnDone(func(reply *wire.Message, err error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if err != nil {
			return
		}
		values := reply.Args["values"]
		list, _ := values.([]interface{})
		for _, raw := range list {
			v := parseWireValue(raw)
			if v == nil {
				continue
			}
			filter := l.Filter
			if filter == nil {
				filter = AcceptAll
			}
			if filter(v) {
				l.Notify([]*Value{v})
			}
		}
	})
}

func (d *Dht) completeDoneGetsLocked(family Family, key infohash.InfoHash, s *Search, now time.Time) {
	target := s.TargetSet(now)
	if !s.Synced(now) && !s.Expired(now) {
		return
	}
	remaining := s.Callbacks[:0]
	for _, get := range s.Callbacks {
		allReplied := true
		for _, sn := range target {
			if sn.GetStatus == nil || sn.GetStatus.Status() == network.StatusPending {
				allReplied = false
				break
			}
		}
		if allReplied {
			if get.Done != nil {
				nodes := make([]*Node, len(target))
				for i, sn := range target {
					nodes[i] = sn.Node
				}
				get.Done(len(target) > 0, nodes)
			}
		} else {
			remaining = append(remaining, get)
		}
	}
	s.Callbacks = remaining
}

func parseWireNode(raw string, family Family) *Node {
	// "<idhex>@<addr>" as produced by nodesToWire.
	at := indexByte(raw, '@')
	if at < 0 {
		return nil
	}
	id, err := infohash.FromHex(raw[:at])
	if err != nil {
		return nil
	}
	addrStr := raw[at+1:]
	udpAddr, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return nil
	}
	return NewNode(id, udpAddr, family)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func parseWireValue(raw interface{}) *Value {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	vid, _ := m["vid"].(int64)
	typ, _ := m["type"].(int64)
	data, _ := m["data"].(string)
	return &Value{ID: uint64(vid), Type: int(typ), Payload: []byte(data)}
}
