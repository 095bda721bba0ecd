// Package instancepool bounds how many process manager instances may
// have a command dispatch in flight at once. It hashes process_uuid to
// a fixed-size semaphore shard, so that a burst of newly started
// instances cannot open an unbounded number of concurrent outbound
// dispatcher calls.
package instancepool

import (
	"context"
	"hash/fnv"
)

// Pool is a fixed set of shards, each a bounded counting semaphore.
// Every process_uuid hashes deterministically to one shard, so the
// same instance always contends for the same slot pool.
type Pool struct {
	shards []chan struct{}
}

// New builds a pool of shardCount shards, each allowing capacityPerShard
// concurrent holders. A shardCount or capacityPerShard below 1 is
// treated as 1.
func New(shardCount, capacityPerShard int) *Pool {
	if shardCount < 1 {
		shardCount = 1
	}
	if capacityPerShard < 1 {
		capacityPerShard = 1
	}
	p := &Pool{shards: make([]chan struct{}, shardCount)}
	for i := range p.shards {
		p.shards[i] = make(chan struct{}, capacityPerShard)
	}
	return p
}

// Acquire blocks until a slot in uuid's shard is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context, uuid string) error {
	shard := p.shards[shardFor(uuid, len(p.shards))]
	select {
	case shard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one held slot in uuid's shard. Slots are not tracked
// per holder: calling Release without a matching successful Acquire
// frees a slot another uuid of the same shard holds, and is a no-op
// only when no slot in that shard is held.
func (p *Pool) Release(uuid string) {
	shard := p.shards[shardFor(uuid, len(p.shards))]
	select {
	case <-shard:
	default:
	}
}

func shardFor(uuid string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uuid))
	return int(h.Sum32() % uint32(n))
}
