package registry

import (
	"context"
	"testing"
	"time"

	"procman/internal/domain"
)

func TestAckAdvancesHandledMonotonically(t *testing.T) {
	r := New()
	r.Register("projector-1", domain.ConsistencyStrong, "node-a")

	r.AckEvent("projector-1", domain.ConsistencyStrong, domain.RecordedEvent{
		StreamID: "order-1", StreamVersion: 4, EventNumber: 40,
	}, time.Now())

	for v := uint64(0); v <= 4; v++ {
		if !r.Handled("order-1", v, WaitOpts{}) {
			t.Fatalf("expected handled up to version %d after acking 4", v)
		}
	}
	if r.Handled("order-1", 5, WaitOpts{}) {
		t.Fatal("version 5 should not be handled yet")
	}
}

func TestHandledVacuousWhenUnregistered(t *testing.T) {
	r := New()
	if !r.Handled("order-1", 1, WaitOpts{Consistency: []string{"unregistered-handler"}}) {
		t.Fatal("a named-but-unregistered handler should be vacuously satisfied")
	}
}

func TestWaitForReturnsImmediatelyWithNoStrongHandlers(t *testing.T) {
	r := New()
	if err := r.WaitFor(context.Background(), "s", 1, WaitOpts{}, time.Second); err != nil {
		t.Fatalf("wait_for with no strong handlers should return ok immediately: %v", err)
	}
}

func TestWaitForWakesOnAck(t *testing.T) {
	r := New()
	r.Register("projector-1", domain.ConsistencyStrong, "node-a")

	done := make(chan error, 1)
	go func() {
		done <- r.WaitFor(context.Background(), "order-1", 3, WaitOpts{}, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.AckEvent("projector-1", domain.ConsistencyStrong, domain.RecordedEvent{
		StreamID: "order-1", StreamVersion: 3, EventNumber: 30,
	}, time.Now())

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected wait_for to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait_for did not wake after ack")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	r := New()
	r.Register("projector-1", domain.ConsistencyStrong, "node-a")

	err := r.WaitFor(context.Background(), "order-1", 1, WaitOpts{}, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestExcludeHolderFromQuorum(t *testing.T) {
	r := New()
	r.Register("projector-1", domain.ConsistencyStrong, "node-a")
	r.Register("projector-2", domain.ConsistencyStrong, "node-b")
	r.AckEvent("projector-2", domain.ConsistencyStrong, domain.RecordedEvent{
		StreamID: "order-1", StreamVersion: 5, EventNumber: 50,
	}, time.Now())

	if r.Handled("order-1", 5, WaitOpts{}) {
		t.Fatal("projector-1 has not acked; should not be handled")
	}
	if !r.Handled("order-1", 5, WaitOpts{Exclude: []string{"node-a"}}) {
		t.Fatal("excluding node-a should leave only node-b, which has acked")
	}
}

func TestEventualHandlersExcludedFromAllAndQuorum(t *testing.T) {
	r := New()
	r.Register("cache-warmer", domain.ConsistencyEventual, "node-a")
	if got := r.All(); len(got) != 0 {
		t.Fatalf("eventual handlers must not appear in All(), got %v", got)
	}
	if !r.Handled("order-1", 1, WaitOpts{}) {
		t.Fatal("with only eventual handlers registered, handled? has nothing to wait on")
	}
}

func TestPurgeExpiredStreamsClearsPerStreamOnly(t *testing.T) {
	r := New()
	r.Register("projector-1", domain.ConsistencyStrong, "node-a")
	r.AckEvent("projector-1", domain.ConsistencyStrong, domain.RecordedEvent{
		StreamID: "stream1", StreamVersion: 1, EventNumber: 1,
	}, time.Now())

	if !r.Handled("stream1", 1, WaitOpts{}) {
		t.Fatal("expected handled before purge")
	}

	r.PurgeExpiredStreams(time.Now(), 0)

	if r.Handled("stream1", 1, WaitOpts{}) {
		t.Fatal("expected per-stream entry purged with ttl=0")
	}

	r.mu.Lock()
	global := r.rows[key{"projector-1", domain.ConsistencyStrong}].GlobalEventNumber
	r.mu.Unlock()
	if global != 1 {
		t.Fatalf("global ack should be unaffected by purge, got %d", global)
	}
}

func TestRestoreSeedsHandledState(t *testing.T) {
	r := New()
	r.Restore([]domain.SubscriptionEntry{
		{
			HandlerName:       "projector-1",
			Consistency:       domain.ConsistencyStrong,
			Holder:            "node-a",
			GlobalEventNumber: 7,
			StreamVersions:    map[string]uint64{"order-1": 2},
		},
	})
	if !r.Handled("order-1", 2, WaitOpts{}) {
		t.Fatal("expected restored per-stream progress to be visible")
	}
	if r.Handled("order-1", 3, WaitOpts{}) {
		t.Fatal("restored progress should not exceed what was checkpointed")
	}
}

func TestSnapshotRoundTripsThroughRestore(t *testing.T) {
	r := New()
	r.Register("projector-1", domain.ConsistencyStrong, "node-a")
	r.AckEvent("projector-1", domain.ConsistencyStrong, domain.RecordedEvent{
		StreamID: "order-1", StreamVersion: 4, EventNumber: 40,
	}, time.Now())

	snap := r.Snapshot()

	r2 := New()
	r2.Restore(snap)
	if !r2.Handled("order-1", 4, WaitOpts{}) {
		t.Fatal("expected snapshot/restore round trip to preserve handled state")
	}
}

func TestResetClearsState(t *testing.T) {
	r := New()
	r.Register("projector-1", domain.ConsistencyStrong, "node-a")
	r.AckEvent("projector-1", domain.ConsistencyStrong, domain.RecordedEvent{
		StreamID: "s", StreamVersion: 1, EventNumber: 1,
	}, time.Now())
	r.Reset()
	if len(r.All()) != 0 {
		t.Fatal("expected empty registry after reset")
	}
}
