package instancepool

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(4, 1)
	ctx := context.Background()
	if err := p.Acquire(ctx, "uuid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release("uuid-1")
	if err := p.Acquire(ctx, "uuid-1"); err != nil {
		t.Fatalf("expected slot to be free after release: %v", err)
	}
}

func TestAcquireBlocksWhenShardFull(t *testing.T) {
	p := New(1, 1)
	ctx := context.Background()
	if err := p.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	defer p.Release("a")

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	// "b" hashes to the same single shard, so it must wait.
	if err := p.Acquire(waitCtx, "b"); err == nil {
		t.Fatal("expected Acquire to block while the sole shard slot is held")
	}
}

func TestSameShardCountIsDeterministic(t *testing.T) {
	if shardFor("order-42", 8) != shardFor("order-42", 8) {
		t.Fatal("shardFor must be deterministic for a fixed uuid and shard count")
	}
}
