// Package procman wires the Subscriptions Registry, one Process
// Router per configured process manager, and the reference storage/
// transport adapters into a single running node. cmd/procmand is the
// thin binary wrapper around Start; embedding applications that
// supply their own sagaapi.UserModule implementations can call Start
// directly instead.
package procman

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"procman/internal/config"
	"procman/internal/control"
	"procman/internal/dispatcher/rabbitmq"
	"procman/internal/domain"
	"procman/internal/eventstore/kafka"
	"procman/internal/instancepool"
	"procman/internal/leader"
	"procman/internal/registry"
	"procman/internal/registrystore"
	"procman/internal/router"
	"procman/internal/snapshotstore"
	"procman/sagaapi"
)

// Node is a fully wired procman process: a Subscriptions Registry, a
// Router per registered process manager, and whichever reference
// storage/transport adapters the configuration turns on.
type Node struct {
	cfg      config.Config
	registry *registry.Registry
	regStore *registrystore.Store
	snaps    *snapshotstore.Store
	events   sagaapi.EventStore
	dispatch sagaapi.CommandDispatcher
	leaderMg *leader.Manager
	control  *control.Server

	mu      sync.RWMutex
	routers map[string]*router.Router

	checkpointStop chan struct{}
	checkpointDone chan struct{}

	purgeStop chan struct{}
	purgeDone chan struct{}
}

// Start brings up a Node from cfg. modules maps process manager name
// to the UserModule that drives it; a RouterConfig entry with no
// matching module is skipped with no error, so a node can be
// configured for more process managers than a given binary embeds.
func Start(ctx context.Context, cfg config.Config, modules map[string]sagaapi.UserModule) (*Node, error) {
	n := &Node{cfg: cfg, registry: registry.New(), routers: map[string]*router.Router{}}

	if cfg.Registry.CheckpointPath != "" {
		store, err := registrystore.Open(cfg.Registry.CheckpointPath)
		if err != nil {
			return nil, fmt.Errorf("open registry checkpoint store: %w", err)
		}
		n.regStore = store
		entries, err := store.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("load registry checkpoint: %w", err)
		}
		n.registry.Restore(entries)
		n.startCheckpointLoop(cfg.Registry.CheckpointInterval)
	}
	n.startPurgeLoop(cfg.Registry.StreamTTL)

	snaps, err := snapshotstore.Open(cfg.Store.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	n.snaps = snaps

	if cfg.EventStore.Kafka.Enabled {
		es, err := kafka.NewEventStore(kafka.Config{
			Brokers:  cfg.EventStore.Kafka.Brokers,
			Topic:    cfg.EventStore.Kafka.Topic,
			ClientID: cfg.EventStore.Kafka.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("configure kafka event store: %w", err)
		}
		n.events = es
	}

	if cfg.Dispatcher.RabbitMQ.Enabled {
		d, err := rabbitmq.Connect(rabbitmq.Config{
			Enabled:  true,
			URL:      cfg.Dispatcher.RabbitMQ.URL,
			Exchange: cfg.Dispatcher.RabbitMQ.Exchange,
		})
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq dispatcher: %w", err)
		}
		n.dispatch = d
	}

	if len(cfg.Server.PeerAddresses) > 0 {
		peers, err := parsePeers(cfg.Server.PeerAddresses)
		if err != nil {
			return nil, fmt.Errorf("parse peer_addresses: %w", err)
		}
		mgr, err := leader.NewManager(leader.ManagerConfig{
			NodeID:        nodeID(cfg.Server.NodeID),
			Address:       cfg.Server.LeaderAddress,
			PeerAddresses: peers,
		})
		if err != nil {
			return nil, fmt.Errorf("start leader manager: %w", err)
		}
		n.leaderMg = mgr
	}

	for _, rc := range cfg.Routers {
		module, ok := modules[rc.ProcessManagerName]
		if !ok {
			continue
		}
		var err error
		if n.leaderMg != nil {
			err = n.startLeaderGatedRouter(ctx, rc, module)
		} else {
			err = n.startRouter(ctx, rc, module)
		}
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("start router %q: %w", rc.ProcessManagerName, err)
		}
	}

	if cfg.Control.Enabled {
		srv := control.NewServer(control.Config{
			Network:   cfg.Control.Network,
			Address:   cfg.Control.Address,
			AuthToken: cfg.Control.AuthToken,
		}, n, n.registry)
		n.control = srv
		go srv.Start(ctx)
	}

	return n, nil
}

// startRouter starts a process manager's Router unconditionally: used
// when this node has no cluster of peers to arbitrate leadership with,
// so it is the only possible host for the router.
func (n *Node) startRouter(ctx context.Context, rc config.RouterConfig, module sagaapi.UserModule) error {
	if n.events == nil {
		return fmt.Errorf("no event store configured")
	}
	if n.dispatch == nil {
		return fmt.Errorf("no command dispatcher configured")
	}

	rt := router.Start(ctx, n.routerConfig(rc, module))
	n.mu.Lock()
	n.routers[rc.ProcessManagerName] = rt
	n.mu.Unlock()
	return nil
}

// startLeaderGatedRouter runs the process manager's Router only while
// this node holds raft leadership for its group, so exactly one node's
// Router drives a given subscription at a time: a node that loses
// leadership stops its Router rather than keep consuming the same
// subscription two places at once.
func (n *Node) startLeaderGatedRouter(ctx context.Context, rc config.RouterConfig, module sagaapi.UserModule) error {
	if n.events == nil {
		return fmt.Errorf("no event store configured")
	}
	if n.dispatch == nil {
		return fmt.Errorf("no command dispatcher configured")
	}

	_, err := n.leaderMg.Elect(leader.GroupConfig{
		Group:               rc.ProcessManagerName,
		BootstrapNewCluster: rc.BootstrapRaft,
		OnLeadershipChange: func(isLeader bool) {
			n.mu.Lock()
			defer n.mu.Unlock()
			existing, running := n.routers[rc.ProcessManagerName]
			switch {
			case isLeader && !running:
				slog.Info("procman: acquired leadership, starting router", slog.String("process_manager", rc.ProcessManagerName))
				n.routers[rc.ProcessManagerName] = router.Start(ctx, n.routerConfig(rc, module))
			case !isLeader && running:
				slog.Info("procman: lost leadership, stopping router", slog.String("process_manager", rc.ProcessManagerName))
				existing.Stop()
				delete(n.routers, rc.ProcessManagerName)
			}
		},
	})
	return err
}

func (n *Node) routerConfig(rc config.RouterConfig, module sagaapi.UserModule) router.Config {
	consistency := domain.ConsistencyStrong
	if rc.Consistency == "eventual" {
		consistency = domain.ConsistencyEventual
	}
	startFrom := domain.Origin()
	switch rc.StartFrom {
	case "current":
		startFrom = domain.Current()
	case "position":
		startFrom = domain.AtPosition(rc.StartFromPosition)
	}

	shards, limit := rc.InstanceShards, rc.InstanceShardLimit
	if shards <= 0 {
		shards = 16
	}
	if limit <= 0 {
		limit = 4
	}

	return router.Config{
		ProcessManagerName: rc.ProcessManagerName,
		Module:             module,
		Dispatcher:         n.dispatch,
		Store:              n.events,
		Snapshots:          n.snaps,
		Registry:           n.registry,
		Consistency:        consistency,
		StartFrom:          startFrom,
		Pool:               instancepool.New(shards, limit),
		HolderID:           n.cfg.Server.NodeID,
	}
}

func (n *Node) startCheckpointLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	n.checkpointStop = make(chan struct{})
	n.checkpointDone = make(chan struct{})
	go func() {
		defer close(n.checkpointDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.checkpointStop:
				n.checkpointOnce()
				return
			case <-ticker.C:
				n.checkpointOnce()
			}
		}
	}()
}

func (n *Node) checkpointOnce() {
	for _, entry := range n.registry.Snapshot() {
		_ = n.regStore.Checkpoint(context.Background(), entry)
	}
}

// startPurgeLoop periodically drops per-stream ack entries whose last
// update is older than ttl, so a stream nobody acks against again
// doesn't grow the Registry forever.
func (n *Node) startPurgeLoop(ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	n.purgeStop = make(chan struct{})
	n.purgeDone = make(chan struct{})
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(n.purgeDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.purgeStop:
				return
			case <-ticker.C:
				n.registry.PurgeExpiredStreams(time.Now(), ttl)
			}
		}
	}()
}

// Close stops every router, the control server, and every storage/
// transport adapter this node opened.
func (n *Node) Close() error {
	n.mu.Lock()
	routers := make([]*router.Router, 0, len(n.routers))
	for _, rt := range n.routers {
		routers = append(routers, rt)
	}
	n.mu.Unlock()
	for _, rt := range routers {
		rt.Stop()
	}

	var errs []error
	if n.control != nil {
		if err := n.control.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close control server: %w", err))
		}
	}
	if n.checkpointStop != nil {
		close(n.checkpointStop)
		<-n.checkpointDone
	}
	if n.purgeStop != nil {
		close(n.purgeStop)
		<-n.purgeDone
	}
	if n.leaderMg != nil {
		if err := n.leaderMg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close leader manager: %w", err))
		}
	}
	if closer, ok := n.dispatch.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close command dispatcher: %w", err))
		}
	}
	if n.snaps != nil {
		if err := n.snaps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close snapshot store: %w", err))
		}
	}
	if n.regStore != nil {
		if err := n.regStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close registry checkpoint store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ProcessManagerNames implements control.Directory.
func (n *Node) ProcessManagerNames() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.routers))
	for name := range n.routers {
		names = append(names, name)
	}
	return names
}

// ProcessInstanceUUIDs implements control.Directory.
func (n *Node) ProcessInstanceUUIDs(processManagerName string) ([]string, bool) {
	rt, ok := n.router(processManagerName)
	if !ok {
		return nil, false
	}
	instances := rt.ProcessInstances()
	uuids := make([]string, 0, len(instances))
	for _, inst := range instances {
		uuids = append(uuids, inst.UUID())
	}
	return uuids, true
}

// ProcessInstanceState implements control.Directory.
func (n *Node) ProcessInstanceState(processManagerName, processUUID string) (any, bool, bool) {
	rt, ok := n.router(processManagerName)
	if !ok {
		return nil, false, false
	}
	inst, found := rt.ProcessInstance(processUUID)
	if !found {
		return nil, false, true
	}
	return inst.ProcessState(), true, true
}

// Healthy implements control.Directory.
func (n *Node) Healthy() (bool, string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for name, rt := range n.routers {
		if rt.State() == router.StateStopped {
			return false, fmt.Sprintf("router %q stopped: %v", name, rt.Err())
		}
	}
	return true, "ok"
}

func (n *Node) router(name string) (*router.Router, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rt, ok := n.routers[name]
	return rt, ok
}

func nodeID(name string) uint64 {
	if v, err := strconv.ParseUint(name, 10, 64); err == nil {
		return v
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// parsePeers turns "name@host:port" entries into the raft-ID-keyed
// map leader.Manager expects, hashing each peer's name the same way
// nodeID hashes this node's own name so every node computes matching
// IDs for the same peer set.
func parsePeers(entries []string) (map[uint64]string, error) {
	out := make(map[uint64]string, len(entries))
	for _, e := range entries {
		name, addr, found := strings.Cut(e, "@")
		if !found {
			return nil, fmt.Errorf("peer entry %q must be name@host:port", e)
		}
		out[nodeID(name)] = addr
	}
	return out, nil
}
