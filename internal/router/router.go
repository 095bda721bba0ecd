// Package router implements the Process Router actor and its instance
// supervisor: the single-threaded owner of one process manager's
// subscription, pending-event queue, and live instance set.
//
// Like internal/instance, this is a single owning goroutine over a
// mailbox: every field marked as owned by run() is touched only from
// inside run(), so no mutex guards router-owned state.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"procman/internal/domain"
	"procman/internal/instance"
	"procman/internal/instancepool"
	"procman/internal/registry"
	"procman/sagaapi"
)

// State is the router's own lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopping
	StateStopped
)

// ErrSubscriptionLost is the exit reason when the underlying
// EventStore subscription channel closes unexpectedly.
var ErrSubscriptionLost = errors.New("router: event store subscription closed")

// Config bundles everything a Router needs at Start time.
type Config struct {
	ProcessManagerName string
	Module              sagaapi.UserModule
	Dispatcher          sagaapi.CommandDispatcher
	Store               sagaapi.EventStore
	Snapshots           sagaapi.SnapshotStore
	Registry            *registry.Registry
	Consistency         domain.Consistency
	StartFrom           domain.StartFrom
	Pool                *instancepool.Pool // optional
	HolderID            string             // identity registered with Registry
}

// Router is a running Process Router actor. Obtain one with Start.
type Router struct {
	cfg Config

	mailbox chan any
	done    chan struct{}
	doneErr error
	state   atomic.Int32

	// owned exclusively by run().
	sub           sagaapi.Subscription
	lastSeenEvent uint64
	hasLastSeen   bool
	instances     map[string]*instance.Instance
	pendingAcks   map[uint64]map[string]struct{}
	pendingEvents []domain.RecordedEvent
}

type ackMsg struct {
	event        domain.RecordedEvent
	instanceUUID string
}

type instanceDownMsg struct {
	uuid string
	err  error
}

type queryInstanceMsg struct {
	uuid  string
	reply chan *instance.Instance
}

type queryInstancesMsg struct {
	reply chan []*instance.Instance
}

type stopMsg struct {
	reply chan struct{}
}

// Start subscribes to cfg.Store, registers with cfg.Registry, and
// begins the router's run loop in a new goroutine.
func Start(ctx context.Context, cfg Config) *Router {
	r := &Router{
		cfg:         cfg,
		mailbox:     make(chan any, 64),
		done:        make(chan struct{}),
		instances:   make(map[string]*instance.Instance),
		pendingAcks: make(map[uint64]map[string]struct{}),
	}
	r.state.Store(int32(StateInitializing))
	go r.run(ctx)
	return r
}

// State reports the router's current lifecycle state.
func (r *Router) State() State { return State(r.state.Load()) }

// AckEvent is called by an instance (via its AckFunc) once it has
// fully processed event on behalf of instanceUUID.
func (r *Router) AckEvent(event domain.RecordedEvent, instanceUUID string) {
	select {
	case r.mailbox <- ackMsg{event, instanceUUID}:
	case <-r.done:
	}
}

// ProcessInstance returns the live instance for uuid, if any.
func (r *Router) ProcessInstance(uuid string) (*instance.Instance, bool) {
	reply := make(chan *instance.Instance, 1)
	select {
	case r.mailbox <- queryInstanceMsg{uuid, reply}:
	case <-r.done:
		return nil, false
	}
	select {
	case inst := <-reply:
		return inst, inst != nil
	case <-r.done:
		return nil, false
	}
}

// ProcessInstances returns every live instance.
func (r *Router) ProcessInstances() []*instance.Instance {
	reply := make(chan []*instance.Instance, 1)
	select {
	case r.mailbox <- queryInstancesMsg{reply}:
	case <-r.done:
		return nil
	}
	select {
	case insts := <-reply:
		return insts
	case <-r.done:
		return nil
	}
}

// Stop drains and tears down every live instance, unsubscribes, and
// exits the router normally. It blocks until fully stopped.
func (r *Router) Stop() {
	reply := make(chan struct{})
	select {
	case r.mailbox <- stopMsg{reply}:
		select {
		case <-reply:
		case <-r.done:
		}
		<-r.done
	case <-r.done:
	}
}

// Done is closed once the router's run loop has exited.
func (r *Router) Done() <-chan struct{} { return r.done }

// Err returns the router's exit reason. Only meaningful after Done()
// closes; nil means a clean Stop(), and context cancellation leaves
// ctx.Err().
func (r *Router) Err() error { return r.doneErr }

func (r *Router) run(ctx context.Context) {
	defer close(r.done)
	defer r.state.Store(int32(StateStopped))

	sub, err := r.cfg.Store.SubscribeToAll(ctx, r.cfg.ProcessManagerName, r.cfg.StartFrom)
	if err != nil {
		slog.Error("router: subscribe failed", slog.String("process_manager", r.cfg.ProcessManagerName), slog.Any("error", err))
		r.doneErr = err
		return
	}
	r.sub = sub
	defer sub.Close()

	holder := r.cfg.HolderID
	if holder == "" {
		holder = r.cfg.ProcessManagerName
	}
	r.cfg.Registry.Register(r.cfg.ProcessManagerName, r.cfg.Consistency, holder)

	r.state.Store(int32(StateRunning))
	slog.Info("router: running", slog.String("process_manager", r.cfg.ProcessManagerName), slog.String("consistency", string(r.cfg.Consistency)))

	for {
		select {
		case <-ctx.Done():
			r.state.Store(int32(StateStopping))
			r.stopAllInstances(context.Background())
			r.doneErr = ctx.Err()
			slog.Info("router: stopped", slog.String("process_manager", r.cfg.ProcessManagerName), slog.Any("reason", r.doneErr))
			return

		case batch, ok := <-sub.Events():
			if !ok {
				r.state.Store(int32(StateStopping))
				r.stopAllInstances(context.Background())
				r.doneErr = ErrSubscriptionLost
				slog.Error("router: subscription lost", slog.String("process_manager", r.cfg.ProcessManagerName))
				return
			}
			r.enqueue(batch.Events)
			if r.drain(ctx) {
				return
			}

		case raw := <-r.mailbox:
			switch msg := raw.(type) {
			case ackMsg:
				r.onAck(msg)
				if r.drain(ctx) {
					return
				}
			case instanceDownMsg:
				if _, stillTracked := r.instances[msg.uuid]; !stillTracked {
					// deliberately stopped (ActionStop or shutdown); not abnormal.
					continue
				}
				r.state.Store(int32(StateStopping))
				r.stopAllInstances(context.Background())
				if msg.err != nil {
					r.doneErr = msg.err
				} else {
					r.doneErr = errors.New("router: instance " + msg.uuid + " exited")
				}
				slog.Error("router: instance died unexpectedly, stopping",
					slog.String("process_manager", r.cfg.ProcessManagerName),
					slog.String("process_uuid", msg.uuid), slog.Any("error", msg.err))
				return
			case queryInstanceMsg:
				msg.reply <- r.instances[msg.uuid]
			case queryInstancesMsg:
				out := make([]*instance.Instance, 0, len(r.instances))
				for _, inst := range r.instances {
					out = append(out, inst)
				}
				msg.reply <- out
			case stopMsg:
				r.state.Store(int32(StateStopping))
				r.stopAllInstances(ctx)
				close(msg.reply)
				return
			}
		}
	}
}

func (r *Router) enqueue(events []domain.RecordedEvent) {
	for _, ev := range events {
		if r.hasLastSeen && ev.EventNumber <= r.lastSeenEvent {
			continue
		}
		r.pendingEvents = append(r.pendingEvents, ev)
	}
}

// drain advances through pendingEvents from the head, dispatching
// each undispatched head to its addressed instances and popping any
// head whose pending_acks set is empty. It stops at the first head
// still awaiting acks (head-of-line blocking). It always returns
// false: no classifier response makes the router exit, and an
// unrecognized action is advanced past like ActionIgnore.
func (r *Router) drain(ctx context.Context) bool {
	for len(r.pendingEvents) > 0 {
		head := r.pendingEvents[0]
		if _, dispatched := r.pendingAcks[head.EventNumber]; !dispatched {
			r.dispatchEvent(ctx, head)
		}
		pending := r.pendingAcks[head.EventNumber]
		if len(pending) > 0 {
			return false
		}
		delete(r.pendingAcks, head.EventNumber)
		r.pendingEvents = r.pendingEvents[1:]
		r.lastSeenEvent = head.EventNumber
		r.hasLastSeen = true
		_ = r.sub.Ack(ctx, head)
		r.cfg.Registry.AckEvent(r.cfg.ProcessManagerName, r.cfg.Consistency, head, time.Now())
	}
	return false
}

// onAck clears instanceUUID's slot in the addressed set for one
// pending event; the event's head-of-line block lifts once every
// addressed instance has acked.
func (r *Router) onAck(msg ackMsg) {
	set, ok := r.pendingAcks[msg.event.EventNumber]
	if !ok {
		return
	}
	delete(set, msg.instanceUUID)
}

func (r *Router) dispatchEvent(ctx context.Context, ev domain.RecordedEvent) {
	result := r.cfg.Module.Interested(ev.Data)
	switch result.Action {
	case sagaapi.ActionIgnore:
		r.pendingAcks[ev.EventNumber] = map[string]struct{}{}

	case sagaapi.ActionStart, sagaapi.ActionContinue:
		if len(result.UUIDs) == 0 {
			r.pendingAcks[ev.EventNumber] = map[string]struct{}{}
			return
		}
		waiting := make(map[string]struct{}, len(result.UUIDs))
		for _, uuid := range result.UUIDs {
			inst := r.ensureInstance(ctx, uuid)
			waiting[uuid] = struct{}{}
			inst.ProcessEvent(ev)
		}
		r.pendingAcks[ev.EventNumber] = waiting

	case sagaapi.ActionStop:
		for _, uuid := range result.UUIDs {
			if inst, ok := r.instances[uuid]; ok {
				inst.Stop(ctx)
				delete(r.instances, uuid)
			}
		}
		r.pendingAcks[ev.EventNumber] = map[string]struct{}{}
	}
}

func (r *Router) ensureInstance(ctx context.Context, uuid string) *instance.Instance {
	if inst, ok := r.instances[uuid]; ok {
		return inst
	}
	var opts []instance.Option
	if r.cfg.Pool != nil {
		opts = append(opts, instance.WithPool(r.cfg.Pool))
	}
	inst := instance.Start(ctx, r.cfg.ProcessManagerName, uuid, r.cfg.Module, r.cfg.Dispatcher, r.cfg.Snapshots,
		func(ev domain.RecordedEvent, instUUID string) { r.AckEvent(ev, instUUID) },
		opts...,
	)
	r.instances[uuid] = inst
	go r.monitor(inst)
	slog.Debug("router: instance started", slog.String("process_manager", r.cfg.ProcessManagerName), slog.String("process_uuid", uuid))
	return inst
}

// monitor watches one instance for exit and reports it back to the
// router's own mailbox so state mutation still happens on the run()
// goroutine only.
func (r *Router) monitor(inst *instance.Instance) {
	<-inst.Done()
	select {
	case r.mailbox <- instanceDownMsg{inst.UUID(), inst.Err()}:
	case <-r.done:
	}
}

func (r *Router) stopAllInstances(ctx context.Context) {
	for uuid, inst := range r.instances {
		inst.Stop(ctx)
		delete(r.instances, uuid)
	}
}
