package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"procman/internal/domain"
	"procman/internal/registry"
	"procman/sagaapi"
)

type fakeModule struct {
	name       string
	interested func([]byte) sagaapi.ClassifierResult
	handle     func(any, []byte) sagaapi.HandleResult
}

func (m *fakeModule) Name() string      { return m.name }
func (m *fakeModule) InitialState() any { return 0 }
func (m *fakeModule) Interested(e []byte) sagaapi.ClassifierResult {
	return m.interested(e)
}
func (m *fakeModule) Handle(s any, e []byte) sagaapi.HandleResult {
	if m.handle != nil {
		return m.handle(s, e)
	}
	return sagaapi.Commands()
}
func (m *fakeModule) Apply(s any, _ []byte) any { return s.(int) + 1 }
func (m *fakeModule) Error(err error, _ any, _ domain.FailureContext) sagaapi.ErrorResponse {
	return sagaapi.StopInstance(err)
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(context.Context, any, domain.CommandOptions) error { return nil }

type fakeSnapshots struct{}

func (fakeSnapshots) Load(context.Context, string, string) (domain.SnapshotData, bool, error) {
	return domain.SnapshotData{}, false, nil
}
func (fakeSnapshots) Save(context.Context, domain.SnapshotData) error   { return nil }
func (fakeSnapshots) Delete(context.Context, string, string) error     { return nil }

type fakeSubscription struct {
	events chan sagaapi.EventBatch
	acked  chan domain.RecordedEvent
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events: make(chan sagaapi.EventBatch, 8),
		acked:  make(chan domain.RecordedEvent, 8),
	}
}

func (s *fakeSubscription) Events() <-chan sagaapi.EventBatch { return s.events }
func (s *fakeSubscription) Ack(_ context.Context, ev domain.RecordedEvent) error {
	select {
	case s.acked <- ev:
	default:
	}
	return nil
}
func (s *fakeSubscription) Close() error { return nil }

type fakeStore struct{ sub *fakeSubscription }

func (f *fakeStore) SubscribeToAll(context.Context, string, domain.StartFrom) (sagaapi.Subscription, error) {
	return f.sub, nil
}

func waitAdvance(t *testing.T, acked chan domain.RecordedEvent) domain.RecordedEvent {
	t.Helper()
	select {
	case ev := <-acked:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event store ack")
		return domain.RecordedEvent{}
	}
}

func TestSingleInstanceEventFlowsThroughToRegistry(t *testing.T) {
	sub := newFakeSubscription()
	store := &fakeStore{sub: sub}
	module := &fakeModule{name: "checkout", interested: func([]byte) sagaapi.ClassifierResult {
		return sagaapi.Start("order-1")
	}}
	reg := registry.New()

	r := Start(context.Background(), Config{
		ProcessManagerName: "checkout",
		Module:              module,
		Dispatcher:          fakeDispatcher{},
		Store:               store,
		Snapshots:           fakeSnapshots{},
		Registry:            reg,
		Consistency:         domain.ConsistencyStrong,
		StartFrom:           domain.Origin(),
		HolderID:            "node-a",
	})
	defer r.Stop()

	sub.events <- sagaapi.EventBatch{Events: []domain.RecordedEvent{
		{EventNumber: 1, StreamID: "order-1", StreamVersion: 1},
	}}

	waitAdvance(t, sub.acked)

	deadline := time.Now().Add(time.Second)
	for !reg.Handled("order-1", 1, registry.WaitOpts{}) {
		if time.Now().After(deadline) {
			t.Fatal("expected registry to reflect the router's ack")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEventsAckInFIFOOrder(t *testing.T) {
	sub := newFakeSubscription()
	store := &fakeStore{sub: sub}
	module := &fakeModule{name: "checkout", interested: func([]byte) sagaapi.ClassifierResult {
		return sagaapi.Start("order-1")
	}}
	reg := registry.New()

	r := Start(context.Background(), Config{
		ProcessManagerName: "checkout",
		Module:              module,
		Dispatcher:          fakeDispatcher{},
		Store:               store,
		Snapshots:           fakeSnapshots{},
		Registry:            reg,
		Consistency:         domain.ConsistencyStrong,
		StartFrom:           domain.Origin(),
	})
	defer r.Stop()

	sub.events <- sagaapi.EventBatch{Events: []domain.RecordedEvent{
		{EventNumber: 1, StreamID: "order-1", StreamVersion: 1},
		{EventNumber: 2, StreamID: "order-1", StreamVersion: 2},
	}}

	first := waitAdvance(t, sub.acked)
	if first.EventNumber != 1 {
		t.Fatalf("expected event 1 to ack first, got %d", first.EventNumber)
	}
	second := waitAdvance(t, sub.acked)
	if second.EventNumber != 2 {
		t.Fatalf("expected event 2 to ack second, got %d", second.EventNumber)
	}
}

func TestIgnoredEventAdvancesWithoutAnyInstance(t *testing.T) {
	sub := newFakeSubscription()
	store := &fakeStore{sub: sub}
	module := &fakeModule{name: "checkout", interested: func([]byte) sagaapi.ClassifierResult {
		return sagaapi.Ignore()
	}}
	reg := registry.New()

	r := Start(context.Background(), Config{
		ProcessManagerName: "checkout",
		Module:              module,
		Dispatcher:          fakeDispatcher{},
		Store:               store,
		Snapshots:           fakeSnapshots{},
		Registry:            reg,
		Consistency:         domain.ConsistencyStrong,
		StartFrom:           domain.Origin(),
	})
	defer r.Stop()

	sub.events <- sagaapi.EventBatch{Events: []domain.RecordedEvent{
		{EventNumber: 1, StreamID: "unrelated"},
	}}
	waitAdvance(t, sub.acked)

	if len(r.ProcessInstances()) != 0 {
		t.Fatal("an ignored event must not spawn any instance")
	}
}

func TestContinueSpawnsInstanceWhenAbsent(t *testing.T) {
	sub := newFakeSubscription()
	store := &fakeStore{sub: sub}
	module := &fakeModule{name: "checkout", interested: func([]byte) sagaapi.ClassifierResult {
		return sagaapi.Continue("order-1")
	}}
	reg := registry.New()

	r := Start(context.Background(), Config{
		ProcessManagerName: "checkout",
		Module:              module,
		Dispatcher:          fakeDispatcher{},
		Store:               store,
		Snapshots:           fakeSnapshots{},
		Registry:            reg,
		Consistency:         domain.ConsistencyStrong,
		StartFrom:           domain.Origin(),
	})
	defer r.Stop()

	sub.events <- sagaapi.EventBatch{Events: []domain.RecordedEvent{
		{EventNumber: 1, StreamID: "order-1", StreamVersion: 1},
	}}
	waitAdvance(t, sub.acked)

	inst, found := r.ProcessInstance("order-1")
	if !found || inst == nil {
		t.Fatal("expected continue on an absent uuid to spawn an instance")
	}
}

func TestMultiInstanceFanOutAckGating(t *testing.T) {
	sub := newFakeSubscription()
	store := &fakeStore{sub: sub}
	reg := registry.New()

	var calls int32
	firstDone := make(chan struct{})
	release := make(chan struct{})

	module := &fakeModule{name: "checkout", interested: func([]byte) sagaapi.ClassifierResult {
		return sagaapi.Start("order-a", "order-b")
	}}
	module.handle = func(any, []byte) sagaapi.HandleResult {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(firstDone)
			return sagaapi.Commands()
		}
		<-release
		return sagaapi.Commands()
	}

	r := Start(context.Background(), Config{
		ProcessManagerName: "checkout",
		Module:              module,
		Dispatcher:          fakeDispatcher{},
		Store:               store,
		Snapshots:           fakeSnapshots{},
		Registry:            reg,
		Consistency:         domain.ConsistencyStrong,
		StartFrom:           domain.Origin(),
	})
	defer r.Stop()

	sub.events <- sagaapi.EventBatch{Events: []domain.RecordedEvent{
		{EventNumber: 1, StreamID: "order-1", StreamVersion: 1},
	}}

	select {
	case <-firstDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first instance to handle the event")
	}

	select {
	case ev := <-sub.acked:
		t.Fatalf("event %d acked to the store before both instances acked", ev.EventNumber)
	case <-time.After(100 * time.Millisecond):
	}

	if insts := r.ProcessInstances(); len(insts) != 2 {
		t.Fatalf("expected both addressed instances to be live, got %d", len(insts))
	}

	close(release)
	waitAdvance(t, sub.acked)
}

func TestStopTearsDownInstances(t *testing.T) {
	sub := newFakeSubscription()
	store := &fakeStore{sub: sub}
	module := &fakeModule{name: "checkout", interested: func([]byte) sagaapi.ClassifierResult {
		return sagaapi.Start("order-1")
	}}
	reg := registry.New()

	r := Start(context.Background(), Config{
		ProcessManagerName: "checkout",
		Module:              module,
		Dispatcher:          fakeDispatcher{},
		Store:               store,
		Snapshots:           fakeSnapshots{},
		Registry:            reg,
		Consistency:         domain.ConsistencyStrong,
		StartFrom:           domain.Origin(),
	})

	sub.events <- sagaapi.EventBatch{Events: []domain.RecordedEvent{{EventNumber: 1, StreamID: "order-1"}}}
	waitAdvance(t, sub.acked)

	r.Stop()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expected router to stop")
	}
	if r.Err() != nil {
		t.Fatalf("expected clean stop, got %v", r.Err())
	}
}
