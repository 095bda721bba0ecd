package leader

import (
	"net"
	"testing"
	"time"

	"go.etcd.io/raft/v3"
)

type nopLogger struct{}

func (nopLogger) Debug(...any)            {}
func (nopLogger) Debugf(string, ...any)   {}
func (nopLogger) Info(...any)             {}
func (nopLogger) Infof(string, ...any)    {}
func (nopLogger) Warning(...any)          {}
func (nopLogger) Warningf(string, ...any) {}
func (nopLogger) Error(...any)            {}
func (nopLogger) Errorf(string, ...any)   {}
func (nopLogger) Fatal(...any)            {}
func (nopLogger) Fatalf(string, ...any)   {}
func (nopLogger) Panic(...any)            {}
func (nopLogger) Panicf(string, ...any)   {}

func init() {
	raft.SetLogger(nopLogger{})
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func waitForLeader(t *testing.T, electors map[uint64]*Elector) uint64 {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		leaders := map[uint64]int{}
		var leader uint64
		for id, e := range electors {
			if e.IsLeader() {
				leader = id
				leaders[id]++
			}
		}
		if len(leaders) == 1 {
			return leader
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("no single leader elected")
	return 0
}

func TestThreeNodeGroupElectsSingleLeader(t *testing.T) {
	addrs := map[uint64]string{1: freePort(t), 2: freePort(t), 3: freePort(t)}

	managers := map[uint64]*Manager{}
	for id, addr := range addrs {
		m, err := NewManager(ManagerConfig{NodeID: id, Address: addr, PeerAddresses: addrs})
		if err != nil {
			t.Fatal(err)
		}
		managers[id] = m
	}
	defer func() {
		for _, m := range managers {
			_ = m.Close()
		}
	}()

	electors := map[uint64]*Elector{}
	for id, m := range managers {
		e, err := m.Elect(GroupConfig{Group: "checkout", BootstrapNewCluster: true})
		if err != nil {
			t.Fatal(err)
		}
		electors[id] = e
	}

	leader := waitForLeader(t, electors)
	if leader == 0 {
		t.Fatal("expected a leader")
	}

	leaders := 0
	for _, e := range electors {
		if e.IsLeader() {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("split brain: %d leaders", leaders)
	}
}

func TestNonLeaderProposeIsRejected(t *testing.T) {
	addrs := map[uint64]string{1: freePort(t), 2: freePort(t), 3: freePort(t)}

	managers := map[uint64]*Manager{}
	for id, addr := range addrs {
		m, err := NewManager(ManagerConfig{NodeID: id, Address: addr, PeerAddresses: addrs})
		if err != nil {
			t.Fatal(err)
		}
		managers[id] = m
	}
	defer func() {
		for _, m := range managers {
			_ = m.Close()
		}
	}()

	electors := map[uint64]*Elector{}
	for id, m := range managers {
		e, err := m.Elect(GroupConfig{Group: "billing", BootstrapNewCluster: true})
		if err != nil {
			t.Fatal(err)
		}
		electors[id] = e
	}

	leader := waitForLeader(t, electors)
	for id, e := range electors {
		if id == leader {
			continue
		}
		if err := e.Propose(nil, "x"); err == nil {
			t.Fatalf("follower %d should reject Propose", id)
		}
	}
}
