// Package sagaapi is the public contract a process manager module and its
// hosting environment implement. Everything in internal/router and
// internal/instance is written against these interfaces only; a user
// brings their own UserModule and wires it to an EventStore and a
// CommandDispatcher of their choosing (or the reference adapters under
// internal/eventstore and internal/dispatcher).
package sagaapi

import (
	"context"

	"procman/internal/domain"
)

// ClassifierAction is the result of a process manager's interest test
// for one event.
type ClassifierAction int

const (
	// ActionIgnore means this process manager has no interest in the
	// event; the router advances past it without touching any instance.
	ActionIgnore ClassifierAction = iota
	// ActionStart addresses one or more process_uuids that should be
	// created (if absent) and handed the event.
	ActionStart
	// ActionContinue addresses one or more process_uuids that should be
	// handed the event; like ActionStart, the router spawns an instance
	// for any uuid that isn't already live.
	ActionContinue
	// ActionStop addresses one or more process_uuids whose instances
	// should be torn down (state deleted) without seeing the event.
	ActionStop
)

// ClassifierResult is returned by UserModule.Interested for one event.
type ClassifierResult struct {
	Action ClassifierAction
	UUIDs  []string
}

// Ignore reports no interest in the event.
func Ignore() ClassifierResult { return ClassifierResult{Action: ActionIgnore} }

// Start addresses uuids for creation (if missing) and delivery.
func Start(uuids ...string) ClassifierResult {
	return ClassifierResult{Action: ActionStart, UUIDs: uuids}
}

// Continue addresses uuids for delivery; the router spawns an instance
// for any uuid that isn't already live.
func Continue(uuids ...string) ClassifierResult {
	return ClassifierResult{Action: ActionContinue, UUIDs: uuids}
}

// Stop addresses uuids whose instances should be torn down.
func Stop(uuids ...string) ClassifierResult {
	return ClassifierResult{Action: ActionStop, UUIDs: uuids}
}

// HandleResult is returned by UserModule.Handle for one event delivered
// to one instance.
type HandleResult struct {
	Commands []any
	Err      error
}

// Commands wraps zero or more commands as a HandleResult. A nil or
// single command is accepted the same as a list.
func Commands(cmds ...any) HandleResult {
	if len(cmds) == 1 && cmds[0] == nil {
		return HandleResult{}
	}
	return HandleResult{Commands: cmds}
}

// HandleError signals that the event itself could not be processed;
// the instance stops without applying the event or acking it.
func HandleError(err error) HandleResult {
	return HandleResult{Err: err}
}

// ErrorResponseKind selects one of the six outcomes a command dispatch
// failure can produce.
type ErrorResponseKind int

const (
	// ErrorContinue discards the failed command and resumes with
	// NewCommands in its place.
	ErrorContinue ErrorResponseKind = iota
	// ErrorRetry re-attempts the same failed command, optionally after
	// DelayMillis milliseconds.
	ErrorRetry
	// ErrorSkipDiscardPending abandons the failed command and every
	// command still pending after it; the event is still applied.
	ErrorSkipDiscardPending
	// ErrorSkipContinuePending abandons only the failed command and
	// resumes dispatching the remaining pending commands.
	ErrorSkipContinuePending
	// ErrorStop halts the instance without applying or acking the
	// event that triggered the failure.
	ErrorStop
)

// ErrorResponse is returned by UserModule.Error to decide what happens
// after a command dispatch failure.
type ErrorResponse struct {
	Kind        ErrorResponseKind
	NewCommands []any // ErrorContinue only
	DelayMillis int64 // ErrorRetry only, 0 = immediate
	Context     any   // carried forward into the next FailureContext
	StopReason  error // ErrorStop only
}

// ContinueWith discards the failed command and dispatches replacement
// commands in its place.
func ContinueWith(ctx any, cmds ...any) ErrorResponse {
	return ErrorResponse{Kind: ErrorContinue, NewCommands: cmds, Context: ctx}
}

// Retry re-attempts the failed command immediately.
func Retry(ctx any) ErrorResponse {
	return ErrorResponse{Kind: ErrorRetry, Context: ctx}
}

// RetryAfter re-attempts the failed command after delayMillis.
func RetryAfter(delayMillis int64, ctx any) ErrorResponse {
	return ErrorResponse{Kind: ErrorRetry, DelayMillis: delayMillis, Context: ctx}
}

// SkipDiscardPending abandons the failed command and all commands
// still queued behind it, but still applies and acks the event.
func SkipDiscardPending() ErrorResponse {
	return ErrorResponse{Kind: ErrorSkipDiscardPending}
}

// SkipContinuePending abandons only the failed command and continues
// dispatching whatever was still pending behind it.
func SkipContinuePending() ErrorResponse {
	return ErrorResponse{Kind: ErrorSkipContinuePending}
}

// StopInstance halts the owning instance; the triggering event is
// never applied or acked.
func StopInstance(reason error) ErrorResponse {
	return ErrorResponse{Kind: ErrorStop, StopReason: reason}
}

// UserModule is the domain logic a process manager author supplies.
// All its methods are called synchronously from the owning instance
// or router actor and must not block on anything other than pure
// computation — I/O belongs to CommandDispatcher/EventStore.
type UserModule interface {
	// Name identifies this process manager; it namespaces snapshot keys
	// and Subscriptions Registry rows.
	Name() string

	// InitialState returns the zero-value process_state for a freshly
	// created instance (before any event has been applied). Its
	// concrete type is also used to decode persisted snapshots — see
	// StateCodec.
	InitialState() any

	// Interested classifies one event's relevance to this process
	// manager.
	Interested(event []byte) ClassifierResult

	// Handle computes the commands (if any) that should be dispatched
	// in response to one event for one instance. It must not mutate
	// processState.
	Handle(processState any, event []byte) HandleResult

	// Apply folds one event into processState to produce the next
	// process_state. It must not mutate processState in place; it
	// returns the new value.
	Apply(processState any, event []byte) any

	// Error decides what happens after a command dispatch failure.
	Error(dispatchErr error, failedCommand any, fc domain.FailureContext) ErrorResponse
}

// StateCodec serializes and deserializes a process manager's
// process_state for snapshotting. A UserModule that needs more than
// plain JSON encoding (e.g. a state type with unexported fields)
// implements StateCodecProvider; otherwise JSONStateCodec is used.
type StateCodec interface {
	Marshal(state any) ([]byte, error)
	// Unmarshal decodes data into target, which is always a non-nil
	// pointer to a zero value of the same concrete type as
	// UserModule.InitialState().
	Unmarshal(data []byte, target any) error
}

// StateCodecProvider is an optional UserModule extension. Modules that
// don't implement it get JSONStateCodec.
type StateCodecProvider interface {
	StateCodec() StateCodec
}

// CommandDispatcher delivers one command to its handler. A non-nil
// error triggers UserModule.Error.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, command any, opts domain.CommandOptions) error
}

// EventStore is the external append-only log a router subscribes to.
// Subscription delivers batches of already-ordered, already-durable
// events.
type EventStore interface {
	SubscribeToAll(ctx context.Context, processManagerName string, from domain.StartFrom) (Subscription, error)
}

// EventBatch is one delivery from a Subscription.
type EventBatch struct {
	Events []domain.RecordedEvent
}

// Subscription is a live handle on an EventStore's "all events"
// stream. Events arrives in strictly increasing EventNumber order;
// Ack confirms receipt so the store can advance a durable read
// cursor. Close releases any underlying connection/goroutine.
type Subscription interface {
	Events() <-chan EventBatch
	Ack(ctx context.Context, event domain.RecordedEvent) error
	Close() error
}

// SnapshotStore persists and restores process_state.
type SnapshotStore interface {
	Load(ctx context.Context, processManagerName, processUUID string) (domain.SnapshotData, bool, error)
	Save(ctx context.Context, snap domain.SnapshotData) error
	Delete(ctx context.Context, processManagerName, processUUID string) error
}
