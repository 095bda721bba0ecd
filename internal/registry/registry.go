// Package registry implements the subscriptions registry: a
// process-wide table tracking per-handler acknowledgment progress so
// command dispatchers can wait for "strong" consistency handlers to catch
// up before returning (read-your-writes).
package registry

import (
	"context"
	"sync"
	"time"

	"procman/internal/domain"
)

// Registry is the single owning task for all SubscriptionEntry rows. All
// mutation goes through its exported methods; callers never see the map
// directly.
type Registry struct {
	mu   sync.Mutex
	rows map[key]*domain.SubscriptionEntry

	waitersMu sync.Mutex
	waiters   []chan struct{}
}

type key struct {
	handler     string
	consistency domain.Consistency
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{rows: make(map[key]*domain.SubscriptionEntry)}
}

// Register records a handler under a consistency level with the given
// holder identity. A handler may be registered under multiple consistency
// levels simultaneously; each registration is tracked independently.
func (r *Registry) Register(handlerName string, consistency domain.Consistency, holder string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{handlerName, consistency}
	if _, ok := r.rows[k]; ok {
		return
	}
	r.rows[k] = &domain.SubscriptionEntry{
		HandlerName:     handlerName,
		Holder:          holder,
		Consistency:     consistency,
		StreamVersions:  make(map[string]uint64),
		StreamUpdatedAt: make(map[string]time.Time),
		UpdatedAt:       time.Now(),
	}
}

// AckEvent advances a handler's per-stream and global progress using
// "at least up to" (max) semantics (I6). now is the timestamp used for
// TTL purge bookkeeping.
func (r *Registry) AckEvent(handlerName string, consistency domain.Consistency, ev domain.RecordedEvent, now time.Time) {
	r.mu.Lock()
	k := key{handlerName, consistency}
	row, ok := r.rows[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	if ev.StreamVersion > row.StreamVersions[ev.StreamID] {
		row.StreamVersions[ev.StreamID] = ev.StreamVersion
	}
	row.StreamUpdatedAt[ev.StreamID] = now
	if ev.EventNumber > row.GlobalEventNumber {
		row.GlobalEventNumber = ev.EventNumber
	}
	row.UpdatedAt = now
	r.mu.Unlock()

	r.wakeWaiters()
}

// WaitOpts narrows a handled?/wait_for query.
type WaitOpts struct {
	Exclude     []string // holder identities to ignore
	Consistency []string // if non-empty, restrict to these handler names
}

// Handled reports whether every registered strong handler — excluding
// opts.Exclude and, if opts.Consistency names a subset, restricted to
// that subset — has acked stream/version to at least version. Handlers
// named in opts.Consistency but not registered are treated as
// vacuously satisfied.
func (r *Registry) Handled(stream string, version uint64, opts WaitOpts) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handledLocked(stream, version, opts)
}

func (r *Registry) handledLocked(stream string, version uint64, opts WaitOpts) bool {
	excluded := toSet(opts.Exclude)
	named := toSet(opts.Consistency)

	registered := map[string]bool{}
	for k, row := range r.rows {
		if k.consistency != domain.ConsistencyStrong {
			continue
		}
		registered[row.HandlerName] = true
		if excluded[row.Holder] {
			continue
		}
		if len(named) > 0 && !named[row.HandlerName] {
			continue
		}
		if row.StreamVersions[stream] < version {
			return false
		}
	}
	// handlers named in opts.Consistency but never registered are
	// vacuously satisfied; nothing further to check for them.
	_ = registered
	return true
}

// WaitFor blocks until Handled(stream, version, opts) holds, the context
// is done, or timeout elapses (0 = no timeout). Returns nil on success,
// context.DeadlineExceeded on timeout, and the context's own error
// (context.Canceled) on cancellation.
func (r *Registry) WaitFor(ctx context.Context, stream string, version uint64, opts WaitOpts, timeout time.Duration) error {
	if r.Handled(stream, version, opts) {
		return nil
	}
	if !r.hasStrongHandlers() {
		return nil
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		ch := r.subscribeWaiter()
		if r.Handled(stream, version, opts) {
			return nil
		}
		select {
		case <-ch:
			continue
		case <-waitCtx.Done():
			return waitCtx.Err()
		}
	}
}

func (r *Registry) hasStrongHandlers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.rows {
		if k.consistency == domain.ConsistencyStrong {
			return true
		}
	}
	return false
}

// subscribeWaiter returns a channel that is closed the next time any ack
// occurs, so a waiter can re-check its predicate.
func (r *Registry) subscribeWaiter() chan struct{} {
	ch := make(chan struct{})
	r.waitersMu.Lock()
	r.waiters = append(r.waiters, ch)
	r.waitersMu.Unlock()
	return ch
}

func (r *Registry) wakeWaiters() {
	r.waitersMu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.waitersMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// HandlerHolder pairs a registered strong handler with its holder.
type HandlerHolder struct {
	HandlerName string
	Holder      string
}

// All returns strong-consistency handlers only.
func (r *Registry) All() []HandlerHolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HandlerHolder, 0, len(r.rows))
	for k, row := range r.rows {
		if k.consistency != domain.ConsistencyStrong {
			continue
		}
		out = append(out, HandlerHolder{HandlerName: row.HandlerName, Holder: row.Holder})
	}
	return out
}

// Restore seeds the registry from durably checkpointed rows (e.g. from
// registrystore.Store.LoadAll) so a restarted node doesn't regress its
// wait_for guarantee. Existing rows for the same (handler, consistency)
// are overwritten.
func (r *Registry) Restore(entries []domain.SubscriptionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		row := e
		if row.StreamVersions == nil {
			row.StreamVersions = make(map[string]uint64)
		}
		if row.StreamUpdatedAt == nil {
			row.StreamUpdatedAt = make(map[string]time.Time)
		}
		r.rows[key{row.HandlerName, row.Consistency}] = &row
	}
}

// Snapshot returns a copy of every row, suitable for checkpointing to
// durable storage.
func (r *Registry) Snapshot() []domain.SubscriptionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SubscriptionEntry, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out
}

// Reset clears all state. Test hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.rows = make(map[key]*domain.SubscriptionEntry)
	r.mu.Unlock()
	r.wakeWaiters()
}

// PurgeExpiredStreams removes per-stream ack entries whose last update is
// older than now-ttl. Global event_number acks are unaffected.
func (r *Registry) PurgeExpiredStreams(now time.Time, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-ttl)
	for _, row := range r.rows {
		for stream, updated := range row.StreamUpdatedAt {
			if updated.Before(cutoff) {
				delete(row.StreamVersions, stream)
				delete(row.StreamUpdatedAt, stream)
			}
		}
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
