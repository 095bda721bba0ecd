package control

import (
	"context"
	"testing"
	"time"

	"procman/internal/domain"
)

type fakeDirectory struct {
	names   []string
	uuids   map[string][]string
	states  map[[2]string]any
	healthy bool
}

func (f *fakeDirectory) ProcessManagerNames() []string { return f.names }

func (f *fakeDirectory) ProcessInstanceUUIDs(pm string) ([]string, bool) {
	uuids, ok := f.uuids[pm]
	return uuids, ok
}

func (f *fakeDirectory) ProcessInstanceState(pm, uuid string) (any, bool, bool) {
	if _, ok := f.uuids[pm]; !ok {
		return nil, false, false
	}
	state, found := f.states[[2]string{pm, uuid}]
	return state, found, true
}

func (f *fakeDirectory) Healthy() (bool, string) { return f.healthy, "ok" }

type fakeRegistry struct{ rows []domain.SubscriptionEntry }

func (f *fakeRegistry) Snapshot() []domain.SubscriptionEntry { return f.rows }

func startTestServer(t *testing.T, dir *fakeDirectory, reg *fakeRegistry) *Server {
	t.Helper()
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0"}, dir, reg)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	t.Cleanup(func() { cancel(); s.Close() })
	for i := 0; i < 100 && s.Addr() == ""; i++ {
		time.Sleep(time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatal("server did not start listening")
	}
	return s
}

func TestPingRoundTrip(t *testing.T) {
	dir := &fakeDirectory{healthy: true}
	s := startTestServer(t, dir, &fakeRegistry{})

	res, err := DialAndRequest(context.Background(), "tcp", s.Addr(), &ControlRequest{RequestId: "1", Operation: int32(OperationPing)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ErrorCode != int32(ErrorCodeOK) || res.Pong == nil {
		t.Fatalf("expected pong, got %+v", res)
	}
}

func TestGetInstanceReturnsStateJSON(t *testing.T) {
	dir := &fakeDirectory{
		uuids:  map[string][]string{"checkout": {"order-1"}},
		states: map[[2]string]any{{"checkout", "order-1"}: map[string]any{"step": "paid"}},
	}
	s := startTestServer(t, dir, &fakeRegistry{})

	res, err := DialAndRequest(context.Background(), "tcp", s.Addr(), &ControlRequest{
		RequestId: "2",
		Operation: int32(OperationGetInstance),
		GetInstance: &GetInstanceQuery{ProcessManagerName: "checkout", ProcessUuid: "order-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Instance == nil || !res.Instance.Found || len(res.Instance.StateJson) == 0 {
		t.Fatalf("expected found instance with state json, got %+v", res.Instance)
	}
}

func TestGetInstanceUnknownProcessManagerIsBadRequest(t *testing.T) {
	dir := &fakeDirectory{uuids: map[string][]string{}}
	s := startTestServer(t, dir, &fakeRegistry{})

	res, err := DialAndRequest(context.Background(), "tcp", s.Addr(), &ControlRequest{
		RequestId:   "3",
		Operation:   int32(OperationGetInstance),
		GetInstance: &GetInstanceQuery{ProcessManagerName: "unknown", ProcessUuid: "x"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ErrorCode != int32(ErrorCodeBadRequest) {
		t.Fatalf("expected bad request, got %+v", res)
	}
}

func TestListSubscriptionsReturnsRegistryRows(t *testing.T) {
	reg := &fakeRegistry{rows: []domain.SubscriptionEntry{
		{HandlerName: "checkout", Consistency: domain.ConsistencyStrong, Holder: "node-a", GlobalEventNumber: 5},
	}}
	s := startTestServer(t, &fakeDirectory{healthy: true}, reg)

	res, err := DialAndRequest(context.Background(), "tcp", s.Addr(), &ControlRequest{RequestId: "4", Operation: int32(OperationListSubscription)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Subscriptions == nil || len(res.Subscriptions.Subscriptions) != 1 {
		t.Fatalf("expected one subscription row, got %+v", res.Subscriptions)
	}
	if res.Subscriptions.Subscriptions[0].Holder != "node-a" {
		t.Fatalf("unexpected holder: %+v", res.Subscriptions.Subscriptions[0])
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", AuthToken: "secret"}, &fakeDirectory{healthy: true}, &fakeRegistry{})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	t.Cleanup(func() { cancel(); s.Close() })
	for i := 0; i < 100 && s.Addr() == ""; i++ {
		time.Sleep(time.Millisecond)
	}

	res, err := DialAndRequest(context.Background(), "tcp", s.Addr(), &ControlRequest{RequestId: "5", Operation: int32(OperationPing)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ErrorCode != int32(ErrorCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %+v", res)
	}
}
