// Package leader elects one leader per process manager among a fixed
// set of peer nodes, so only one node's Router actually drives a given
// process manager's subscription at a time while the others stand by.
//
// Groups are registered dynamically, one raft group per process
// manager name, rather than over a fixed partition count, since the
// runtime doesn't know its process manager names until they are
// configured.
package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// ErrNotLeader is returned by Elector.Propose when called on a
// follower.
var ErrNotLeader = fmt.Errorf("leader: this node is not the group leader")

// ManagerConfig configures the shared transport a Manager's groups
// send raft messages over.
type ManagerConfig struct {
	NodeID        uint64
	Address       string
	PeerAddresses map[uint64]string
}

// Manager owns one TCP transport shared by every group (process
// manager) this node participates in.
type Manager struct {
	cfg       ManagerConfig
	transport *groupTransport

	mu     sync.Mutex
	groups map[string]*Elector
}

// NewManager starts listening on cfg.Address for raft messages
// belonging to any group registered on this node.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	m := &Manager{cfg: cfg, groups: make(map[string]*Elector)}
	t, err := newGroupTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, func(group string, msg raftpb.Message) {
		m.mu.Lock()
		e := m.groups[group]
		m.mu.Unlock()
		if e == nil {
			return
		}
		_ = e.node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	m.transport = t
	return m, nil
}

// GroupConfig configures one raft group (one process manager's
// leader election).
type GroupConfig struct {
	Group               string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	BootstrapNewCluster bool
	// OnLeadershipChange, if set, is invoked from the group's own
	// goroutine every time IsLeader() flips.
	OnLeadershipChange func(isLeader bool)
}

// Elect registers and starts a new raft group under name cfg.Group.
func (m *Manager) Elect(cfg GroupConfig) (*Elector, error) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}

	storage := raft.NewMemoryStorage()
	peers := make([]raft.Peer, 0, len(m.cfg.PeerAddresses))
	for id := range m.cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	rc := &raft.Config{
		ID:              m.cfg.NodeID,
		ElectionTick:    cfg.ElectionTicks,
		HeartbeatTick:   cfg.HeartbeatTicks,
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
	}
	var node raft.Node
	if cfg.BootstrapNewCluster {
		node = raft.StartNode(rc, peers)
	} else {
		node = raft.RestartNode(rc)
	}

	e := &Elector{
		group:     cfg.Group,
		node:      node,
		storage:   storage,
		transport: m.transport,
		onChange:  cfg.OnLeadershipChange,
		stopCh:    make(chan struct{}),
	}

	m.mu.Lock()
	m.groups[cfg.Group] = e
	m.mu.Unlock()

	e.wg.Add(1)
	go e.run(cfg.TickInterval)
	return e, nil
}

// Close shuts down every registered group and the shared transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	groups := make([]*Elector, 0, len(m.groups))
	for _, e := range m.groups {
		groups = append(groups, e)
	}
	m.mu.Unlock()
	for _, e := range groups {
		e.Stop()
	}
	return m.transport.close()
}

// Elector drives leader election for one group (one process manager
// name).
type Elector struct {
	group     string
	node      raft.Node
	storage   *raft.MemoryStorage
	transport *groupTransport
	onChange  func(isLeader bool)

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastWasLeader bool
}

// IsLeader reports whether this node currently holds leadership for
// the group.
func (e *Elector) IsLeader() bool {
	return e.node.Status().RaftState == raft.StateLeader
}

// Leader returns the current known leader's node ID, or 0 if unknown.
func (e *Elector) Leader() uint64 { return e.node.Status().Lead }

// Propose submits an opaque command to the raft log. Only meaningful
// as a fencing mechanism here — process managers don't replicate their
// event log through raft, only leadership itself.
func (e *Elector) Propose(ctx context.Context, cmd any) error {
	if !e.IsLeader() {
		return fmt.Errorf("%w: leader=%d", ErrNotLeader, e.Leader())
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return e.node.Propose(ctx, b)
}

// Stop halts the group's run loop.
func (e *Elector) Stop() {
	close(e.stopCh)
	e.node.Stop()
	e.wg.Wait()
}

func (e *Elector) run(tickInterval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.node.Tick()
		case rd := <-e.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = e.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = e.storage.SetHardState(rd.HardState)
			}
			_ = e.storage.Append(rd.Entries)
			for _, msg := range rd.Messages {
				_ = e.transport.send(msg.To, e.group, msg)
			}
			e.node.Advance()
			e.reportLeadershipChange()
		}
	}
}

func (e *Elector) reportLeadershipChange() {
	if e.onChange == nil {
		return
	}
	now := e.IsLeader()
	e.mu.Lock()
	changed := now != e.lastWasLeader
	e.lastWasLeader = now
	e.mu.Unlock()
	if changed {
		e.onChange(now)
	}
}
