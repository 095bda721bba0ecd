// Package instance implements the process manager instance actor: a
// single-threaded, mailbox-serviced worker owning one process_uuid's
// state, applying events one at a time and dispatching the commands
// they produce under a retry/skip/stop failure policy.
//
// The actor shape is one owning goroutine, with state touched only
// inside its loop and everything else a channel round-trip.
package instance

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"procman/internal/domain"
	"procman/internal/instancepool"
	"procman/sagaapi"
)

// ErrBadErrorResponse is the stop reason used when UserModule.Error
// returns a response of an unrecognized kind: treated as fatal, not
// silently coerced to a default.
var ErrBadErrorResponse = errors.New("instance: error callback returned an unrecognized response")

// AckFunc is called once an event has been fully applied (or found
// already-seen) so the owning router can clear its pending_acks entry.
type AckFunc func(event domain.RecordedEvent, processUUID string)

// Instance is a running Process Manager Instance actor. Obtain one
// with Start; all interaction happens through its exported methods.
type Instance struct {
	processManagerName string
	uuid                string
	module              sagaapi.UserModule
	dispatcher          sagaapi.CommandDispatcher
	snapshots           sagaapi.SnapshotStore
	pool                *instancepool.Pool
	codec               sagaapi.StateCodec
	ackFn               AckFunc

	events   chan domain.RecordedEvent
	stateReq chan chan any
	stopReq  chan chan struct{}
	done     chan struct{}

	// owned exclusively by run(); never touched from another goroutine.
	processState  any
	lastSeenEvent uint64
	exitErr       error
}

// Option configures an Instance at Start time.
type Option func(*Instance)

// WithPool bounds this instance's concurrent outbound command
// dispatches through a shared instancepool.Pool.
func WithPool(p *instancepool.Pool) Option {
	return func(in *Instance) { in.pool = p }
}

// Start loads any persisted snapshot and begins the instance's run
// loop in a new goroutine. ack is invoked from that goroutine every
// time an event is fully processed (or skipped as already-seen).
func Start(
	ctx context.Context,
	processManagerName, uuid string,
	module sagaapi.UserModule,
	dispatcher sagaapi.CommandDispatcher,
	snapshots sagaapi.SnapshotStore,
	ack AckFunc,
	opts ...Option,
) *Instance {
	in := &Instance{
		processManagerName: processManagerName,
		uuid:                uuid,
		module:              module,
		dispatcher:          dispatcher,
		snapshots:           snapshots,
		ackFn:               ack,
		codec:               sagaapi.CodecFor(module),
		events:              make(chan domain.RecordedEvent),
		stateReq:            make(chan chan any),
		stopReq:             make(chan chan struct{}),
		done:                make(chan struct{}),
	}
	for _, o := range opts {
		o(in)
	}
	go in.run(ctx)
	return in
}

// UUID returns the process_uuid this instance owns.
func (in *Instance) UUID() string { return in.uuid }

// ProcessEvent hands ev to the instance's mailbox. It blocks until
// accepted or the instance has exited.
func (in *Instance) ProcessEvent(ev domain.RecordedEvent) {
	select {
	case in.events <- ev:
	case <-in.done:
	}
}

// Stop requests a graceful shutdown: the persisted snapshot is
// deleted and the instance exits normally (Err() == nil). Stop blocks
// until the instance has fully exited.
func (in *Instance) Stop(ctx context.Context) {
	reply := make(chan struct{})
	select {
	case in.stopReq <- reply:
		select {
		case <-reply:
		case <-in.done:
		}
		<-in.done
	case <-in.done:
	}
}

// ProcessState returns a synchronous snapshot of the instance's
// current process_state. Returns nil if the instance has exited.
func (in *Instance) ProcessState() any {
	reply := make(chan any, 1)
	select {
	case in.stateReq <- reply:
	case <-in.done:
		return nil
	}
	select {
	case v := <-reply:
		return v
	case <-in.done:
		return nil
	}
}

// Done is closed once the instance's run loop has exited, whether
// normally (via Stop) or abnormally (dispatch/handle failure).
func (in *Instance) Done() <-chan struct{} { return in.done }

// Err returns the exit reason: nil after an explicit Stop, ctx.Err()
// when the instance's context was cancelled, and the failure otherwise.
// Only meaningful after Done() is closed.
func (in *Instance) Err() error { return in.exitErr }

func (in *Instance) run(ctx context.Context) {
	defer close(in.done)

	if err := in.load(ctx); err != nil {
		slog.Error("instance: failed to load state", slog.String("process_manager", in.processManagerName),
			slog.String("process_uuid", in.uuid), slog.Any("error", err))
		in.exitErr = err
		return
	}

	for {
		select {
		case <-ctx.Done():
			in.exitErr = ctx.Err()
			return
		case reply := <-in.stopReq:
			in.handleStop(ctx)
			slog.Debug("instance: stopped", slog.String("process_manager", in.processManagerName), slog.String("process_uuid", in.uuid))
			close(reply)
			return
		case reply := <-in.stateReq:
			reply <- in.processState
		case ev := <-in.events:
			if in.handleEvent(ctx, ev) {
				return
			}
		}
	}
}

func (in *Instance) load(ctx context.Context) error {
	initial := in.module.InitialState()
	snap, found, err := in.snapshots.Load(ctx, in.processManagerName, in.uuid)
	if err != nil {
		return err
	}
	if !found || initial == nil {
		in.processState = initial
		if found {
			in.lastSeenEvent = snap.SourceVersion
		}
		return nil
	}
	target := reflect.New(reflect.TypeOf(initial))
	if err := in.codec.Unmarshal(snap.Data, target.Interface()); err != nil {
		return err
	}
	in.processState = target.Elem().Interface()
	in.lastSeenEvent = snap.SourceVersion
	return nil
}

func (in *Instance) handleStop(ctx context.Context) {
	_ = in.snapshots.Delete(ctx, in.processManagerName, in.uuid)
	in.exitErr = nil
}

// handleEvent runs the per-event pipeline: skip if already seen,
// Handle, dispatch the resulting commands, Apply, snapshot, ack. It
// returns true if the instance must terminate (dispatch failure with
// stop policy, or a Handle error) without applying or acking ev.
func (in *Instance) handleEvent(ctx context.Context, ev domain.RecordedEvent) bool {
	if ev.EventNumber <= in.lastSeenEvent {
		in.ackFn(ev, in.uuid)
		return false
	}

	result := in.module.Handle(in.processState, ev.Data)
	if result.Err != nil {
		slog.Error("instance: handle failed", slog.String("process_manager", in.processManagerName),
			slog.String("process_uuid", in.uuid), slog.Uint64("event_number", ev.EventNumber), slog.Any("error", result.Err))
		in.exitErr = result.Err
		return true
	}

	ok, stopReason := in.dispatchAll(ctx, result.Commands, ev)
	if !ok {
		slog.Error("instance: dispatch failed, stopping", slog.String("process_manager", in.processManagerName),
			slog.String("process_uuid", in.uuid), slog.Uint64("event_number", ev.EventNumber), slog.Any("error", stopReason))
		in.exitErr = stopReason
		return true
	}

	in.processState = in.module.Apply(in.processState, ev.Data)
	in.lastSeenEvent = ev.EventNumber
	in.saveSnapshot(ctx, ev.EventNumber)
	in.ackFn(ev, in.uuid)
	return false
}

func (in *Instance) saveSnapshot(ctx context.Context, version uint64) {
	if in.processState == nil {
		return
	}
	data, err := in.codec.Marshal(in.processState)
	if err != nil {
		return
	}
	_ = in.snapshots.Save(ctx, domain.SnapshotData{
		SourceUUID:    in.uuid,
		SourceVersion: version,
		SourceType:    in.module.Name(),
		Data:          data,
	})
}

// dispatchAll walks the command list produced by Handle, applying the
// full retry/skip/stop failure policy. It returns ok=false only when
// the instance must terminate without applying the event.
func (in *Instance) dispatchAll(ctx context.Context, cmds []any, ev domain.RecordedEvent) (bool, error) {
	pending := append([]any{}, cmds...)
	opts := domain.CommandOptions{CausationID: ev.EventID, CorrelationID: ev.CorrelationID}
	var userCtx any

	for len(pending) > 0 {
		cmd := pending[0]
		err := in.dispatchOne(ctx, cmd, opts)
		if err == nil {
			pending = pending[1:]
			continue
		}
		slog.Warn("instance: command dispatch failed, consulting error policy",
			slog.String("process_manager", in.processManagerName), slog.String("process_uuid", in.uuid), slog.Any("error", err))

		fc := domain.FailureContext{
			PendingCommands:     append([]any{}, pending[1:]...),
			ProcessManagerState: in.module.Apply(in.processState, ev.Data),
			LastEvent:           ev,
			Context:             userCtx,
		}
		resp := in.module.Error(err, cmd, fc)

		switch resp.Kind {
		case sagaapi.ErrorContinue:
			pending = append([]any{}, resp.NewCommands...)
			userCtx = resp.Context

		case sagaapi.ErrorRetry:
			userCtx = resp.Context
			if resp.DelayMillis > 0 {
				timer := time.NewTimer(time.Duration(resp.DelayMillis) * time.Millisecond)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return false, ctx.Err()
				}
			}
			// cmd stays at the head of pending; retried next iteration.

		case sagaapi.ErrorSkipDiscardPending:
			return true, nil

		case sagaapi.ErrorSkipContinuePending:
			pending = pending[1:]

		case sagaapi.ErrorStop:
			return false, resp.StopReason

		default:
			return false, ErrBadErrorResponse
		}
	}
	return true, nil
}

func (in *Instance) dispatchOne(ctx context.Context, cmd any, opts domain.CommandOptions) error {
	if in.pool != nil {
		if err := in.pool.Acquire(ctx, in.uuid); err != nil {
			return err
		}
		defer in.pool.Release(in.uuid)
	}
	return in.dispatcher.Dispatch(ctx, cmd, opts)
}
