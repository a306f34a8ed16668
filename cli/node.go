// Package cli wires the dht, network, scheduler, store, metrics and
// config packages together into the command-line surface the host
// process runs, in the spirit of the teacher's cli/cli.go and
// kademila/client.go (flag-driven one-shot KRPC commands, generalized
// here into a cobra command tree per DESIGN.md's Open Question
// decision 6).
package cli

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadcore/dhtnode/config"
	"github.com/kadcore/dhtnode/dht"
	"github.com/kadcore/dhtnode/infohash"
	"github.com/kadcore/dhtnode/network"
	"github.com/kadcore/dhtnode/scheduler"
	"github.com/kadcore/dhtnode/store"
)

// runningNode bundles everything a started node needs closed down on
// exit: its engines, scheduler, and optional persistence store.
type runningNode struct {
	Dht       *dht.Dht
	Engines   map[dht.Family]*network.Engine
	Scheduler *scheduler.Scheduler
	Store     *store.Store
	stopSched func()
}

func (n *runningNode) Close() {
	if n.stopSched != nil {
		n.stopSched()
	}
	for _, e := range n.Engines {
		_ = e.Close()
	}
	if n.Store != nil {
		_ = n.Store.Close()
	}
}

// startNode builds the engines, scheduler, and Dht core described by
// cfg, starts the scheduler's wall-clock driver, and optionally loads
// persisted state from cfg.MySQLDSN.
func startNode(cfg config.Config, log *logrus.Logger) (*runningNode, error) {
	nodeID, err := resolveNodeID(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	engines := make(map[dht.Family]*network.Engine)
	if cfg.ListenAddr4 != "" {
		e, err := network.New(network.Config{SelfID: nodeID.String(), Listen: cfg.ListenAddr4, Log: log})
		if err != nil {
			return nil, fmt.Errorf("cli: start v4 engine: %w", err)
		}
		engines[dht.FamilyV4] = e
	}
	if cfg.ListenAddr6 != "" {
		e, err := network.New(network.Config{SelfID: nodeID.String(), Listen: cfg.ListenAddr6, Log: log})
		if err != nil {
			return nil, fmt.Errorf("cli: start v6 engine: %w", err)
		}
		engines[dht.FamilyV6] = e
	}
	if len(engines) == 0 {
		return nil, fmt.Errorf("cli: no listen address configured")
	}

	sched := scheduler.New()
	node := dht.New(dht.Config{
		NodeID:       nodeID,
		IsBootstrap:  cfg.IsBootstrap,
		StorageLimit: int(cfg.StorageLimitBytes),
		Log:          log,
	}, engines, sched)

	rn := &runningNode{Dht: node, Engines: engines, Scheduler: sched}
	rn.stopSched = sched.Run(100 * time.Millisecond)

	if cfg.MySQLDSN != "" {
		st, err := store.Open(cfg.MySQLDSN)
		if err != nil {
			rn.Close()
			return nil, fmt.Errorf("cli: open store: %w", err)
		}
		rn.Store = st
		if err := loadPersisted(node, st, engines); err != nil {
			log.WithError(err).Warn("cli: failed to load persisted state")
		}
	}

	for _, peer := range cfg.BootstrapPeers {
		bootstrapPeer(node, engines, peer)
	}

	return rn, nil
}

func loadPersisted(node *dht.Dht, st *store.Store, engines map[dht.Family]*network.Engine) error {
	nodes, err := st.LoadNodes()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if _, ok := engines[n.Family]; !ok {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", n.Addr)
		if err != nil {
			continue
		}
		node.InsertNode(n.ID, addr, n.Family)
	}

	values, err := st.LoadAllValues()
	if err != nil {
		return err
	}
	node.ImportValues(values, time.Now())
	return nil
}

// bootstrapPeer seeds the routing table with a well-known peer address,
// inserted under a freshly generated placeholder id. The placeholder
// entry is not replaced: replies from the peer are credited to it, and
// the peer's real id enters the table as a separate entry when the peer
// sends a query to this node.
func bootstrapPeer(node *dht.Dht, engines map[dht.Family]*network.Engine, addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return
	}
	family := dht.FamilyV4
	if udpAddr.IP.To4() == nil {
		family = dht.FamilyV6
	}
	if _, ok := engines[family]; !ok {
		return
	}
	node.InsertNode(infohash.Random(), udpAddr, family)
}

func resolveNodeID(hexID string) (infohash.InfoHash, error) {
	if hexID == "" {
		return infohash.Random(), nil
	}
	return infohash.FromHex(hexID)
}
