// Package statemachine implements C1: the per-exchange state vector and the
// arbitration of the next Action for the Channel driver (§4.1). It is the
// sole mutex on exchange advancement (§5) -- every other component reports
// events into it rather than deciding for itself what happens next.
package statemachine

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrIllegalState is returned whenever an operation is invoked outside the
// state it requires, matching the IllegalState failures named throughout
// §4.1.
var ErrIllegalState = errors.New("statemachine: illegal state")

// StateMachine holds the state vector of §3 and arbitrates Actions. A zero
// value is not usable; construct with New.
type StateMachine struct {
	mu sync.Mutex

	request RequestState
	async   AsyncState
	output  OutputState
	input   InputState

	// owned is true for the span between a successful Handling/Unhandle
	// call and the next one that returns ActionWait or ActionTerminated
	// (§3 Invariant 3, §4.1 handling/unhandle contract).
	owned      bool
	terminated bool

	// sendErrorPending is set by SendError / OnError and cleared once the
	// SendError action has been produced.
	sendErrorPending bool

	// asyncErr is the throwable captured by OnError during an async
	// suspension, delivered once as ActionAsyncError.
	asyncErr error

	// asyncTimeoutPending is set by OnTimeout and cleared once the
	// AsyncTimeout action has been produced.
	asyncTimeoutPending bool

	// contentProducible / writeReady are level-triggered signals from
	// InputPump and OutputPipeline respectively: "a previously-registered
	// demand can now be satisfied" (§5 Suspension points).
	contentProducible bool
	writeReady        bool

	// completing is set once the request handler path has run to
	// completion (handler returned, or async complete() with no pending
	// dispatch) and the Complete action has not yet been produced.
	completing bool

	// completeProduced guards against re-emitting ActionComplete once it
	// has been handed to the driver; the driver alone decides when the
	// exchange is Completed via CompleteResponse/onCompleted.
	completeProduced bool
}

// New returns a StateMachine ready for a freshly parsed request line.
func New() *StateMachine {
	return &StateMachine{}
}

// Handling is invoked when the driver (re-)enters processing a fresh
// dispatch cycle (Channel.run). It fails with ErrIllegalState if another
// thread already owns the exchange (§4.1).
func (sm *StateMachine) Handling() (Action, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.owned {
		return ActionWait, errors.Wrap(ErrIllegalState, "handling: already owned")
	}
	sm.owned = true
	return sm.next(), nil
}

// Unhandle is invoked after the driver executes an Action; it returns the
// next Action or ActionWait if the exchange is now suspended (§4.1).
func (sm *StateMachine) Unhandle() (Action, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.owned {
		return ActionWait, errors.Wrap(ErrIllegalState, "unhandle: not owned")
	}
	return sm.next(), nil
}

// next computes the next Action from the state vector. Callers must hold
// sm.mu. It releases ownership (clears sm.owned) whenever it returns
// ActionWait or ActionTerminated, per the handling/unhandle contract.
func (sm *StateMachine) next() Action {
	a := sm.arbitrate()
	if a == ActionWait || a == ActionTerminated {
		sm.owned = false
	}
	return a
}

// arbitrate implements the precedence rules of §4.1/§4.4. Callers must
// hold sm.mu.
func (sm *StateMachine) arbitrate() Action {
	if sm.terminated {
		return ActionTerminated
	}

	// Error delivery pre-empts everything else not already in flight,
	// matching "application exceptions ... schedule SEND_ERROR" (§4.5).
	if sm.sendErrorPending && sm.output != OutputAborted {
		sm.sendErrorPending = false
		sm.request = RequestDispatched
		return ActionSendError
	}
	if sm.asyncErr != nil {
		// Left in place for TakeAsyncError; the driver fetches and
		// clears it once it has committed to handling ActionAsyncError.
		sm.request = RequestDispatched
		return ActionAsyncError
	}

	switch sm.request {
	case RequestIdle:
		sm.request = RequestDispatched
		return ActionDispatch
	case RequestAsync:
		switch sm.async {
		case AsyncDispatch:
			sm.async = AsyncStarted
			sm.request = RequestDispatched
			return ActionAsyncDispatch
		case AsyncExpiring:
			if sm.asyncTimeoutPending {
				sm.asyncTimeoutPending = false
				return ActionAsyncTimeout
			}
			return ActionWait
		case AsyncComplete:
			sm.request = RequestCompleting
			sm.completing = true
			return sm.completeOrWait()
		default:
			if sm.contentProducible {
				sm.contentProducible = false
				return ActionReadCallback
			}
			if sm.writeReady {
				sm.writeReady = false
				return ActionWriteCallback
			}
			return ActionWait
		}
	case RequestDispatched:
		// A dispatch is active; content/write callbacks registered
		// mid-dispatch are still delivered as soon as the dispatch
		// yields (handler blocked on I/O is not modelled here -- the
		// Go embodiment runs the handler on its own goroutine and
		// that goroutine calls back into InputPump/OutputPipeline
		// directly; RequestDispatched here just means "no new
		// top-level Action may be produced until Complete/Async is
		// reported").
		return ActionWait
	case RequestCompleting:
		return sm.completeOrWait()
	case RequestCompleted:
		return sm.finish()
	}
	return ActionWait
}

// completeOrWait produces ActionComplete exactly once per exchange, then
// waits for the driver to report completion via CompleteResponse/OnCompleted.
func (sm *StateMachine) completeOrWait() Action {
	if !sm.completeProduced {
		sm.completeProduced = true
		return ActionComplete
	}
	return sm.finish()
}

func (sm *StateMachine) finish() Action {
	if sm.output == OutputCompleted || sm.output == OutputAborted {
		sm.request = RequestCompleted
		sm.terminated = true
		return ActionTerminated
	}
	return ActionWait
}

// StartAsync transitions NotAsync -> Started (§4.1). Legal only during an
// active dispatch.
func (sm *StateMachine) StartAsync() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.request != RequestDispatched {
		return errors.Wrap(ErrIllegalState, "startAsync: no active dispatch")
	}
	if sm.async != AsyncNotAsync {
		return errors.Wrap(ErrIllegalState, "startAsync: already async")
	}
	sm.async = AsyncStarted
	sm.request = RequestAsync
	return nil
}

// DispatchAsync resumes a suspended async exchange (Started -> Dispatch),
// scheduling an AsyncDispatch action (§4.1).
func (sm *StateMachine) DispatchAsync() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	switch sm.async {
	case AsyncStarted, AsyncExpiring:
		sm.async = AsyncDispatch
		return nil
	default:
		return errors.Wrap(ErrIllegalState, "dispatch: not started")
	}
}

// Complete transitions any async state to AsyncComplete; if no dispatch is
// pending the next Unhandle yields ActionComplete (§4.1).
func (sm *StateMachine) Complete() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.async == AsyncNotAsync {
		return errors.Wrap(ErrIllegalState, "complete: not async")
	}
	sm.async = AsyncComplete
	return nil
}

// OnTimeout drives Started -> Expiring (§4.1, §5).
func (sm *StateMachine) OnTimeout() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.async != AsyncStarted {
		return
	}
	sm.async = AsyncExpiring
	sm.asyncTimeoutPending = true
}

// FinishAsyncTimeout is called by the driver immediately after running the
// async timeout listeners. If the application did not resolve the timeout
// (dispatch/complete/sendError), the exchange cooperatively escalates to a
// SendError per §4.1's "Key rules".
func (sm *StateMachine) FinishAsyncTimeout() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.async == AsyncExpiring {
		sm.async = AsyncExpired
		sm.sendErrorPending = true
	}
}

// OnError drives Started -> Errored and captures the throwable for
// ActionAsyncError (§4.1).
func (sm *StateMachine) OnError(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.async = AsyncErrored
	sm.asyncErr = err
}

// NotifyContentProducible signals that a previously-unsatisfiable read can
// now proceed (InputPump -> StateMachine, §5).
func (sm *StateMachine) NotifyContentProducible() (reschedule bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.contentProducible = true
	return !sm.owned
}

// NotifyWriteComplete signals that a pending write callback has fired
// (OutputPipeline -> StateMachine, §5).
func (sm *StateMachine) NotifyWriteComplete() (reschedule bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.writeReady = true
	return !sm.owned
}

// DispatchComplete is called by the driver once Server.Handle /
// Server.HandleAsync returns (organically or via panic recovery). If the
// exchange never went async it is driven toward ActionComplete (§4.4
// "Dispatch"/"AsyncDispatch" rows); otherwise the request state returns to
// RequestAsync.
func (sm *StateMachine) DispatchComplete() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.async == AsyncNotAsync {
		sm.request = RequestCompleting
		sm.completing = true
	} else {
		sm.request = RequestAsync
	}
}

// FinishSendError is called once a SendError action's body has been
// written. It always advances the exchange toward ActionComplete,
// regardless of what async sub-state triggered the SendError -- an error
// response terminates the exchange rather than resuming whatever async
// wait was in effect (§4.1 "Key rules": an unresolved async timeout's
// cooperative SendError must not leave the exchange parked again).
func (sm *StateMachine) FinishSendError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.request = RequestCompleting
	sm.completing = true
	sm.async = AsyncComplete
}

// CommitResponse atomically transitions Open -> Committed (§4.1).
func (sm *StateMachine) CommitResponse() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.output != OutputOpen {
		return false
	}
	sm.output = OutputCommitted
	return true
}

// CompleteResponse atomically transitions Committed -> Completed (§4.1).
func (sm *StateMachine) CompleteResponse() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.output != OutputCommitted {
		return false
	}
	sm.output = OutputCompleted
	return true
}

// AbortResponse transitions to Aborted from any state other than Aborted,
// Completed included (§4.5 abort is idempotent: only the first caller gets
// true).
func (sm *StateMachine) AbortResponse() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.output == OutputAborted {
		return false
	}
	sm.output = OutputAborted
	return true
}

// SendError enqueues a SendError action; legal only while the response is
// uncommitted (§4.1).
func (sm *StateMachine) SendError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.output != OutputOpen {
		return errors.Wrap(ErrIllegalState, "sendError: response already committed")
	}
	sm.sendErrorPending = true
	return nil
}

// TakeAsyncError returns and clears the captured async throwable; the
// driver calls this immediately after receiving ActionAsyncError.
func (sm *StateMachine) TakeAsyncError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	err := sm.asyncErr
	sm.asyncErr = nil
	return err
}

// OutputState reports the current output sub-state (read-only snapshot).
func (sm *StateMachine) OutputState() OutputState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.output
}

// RequestState reports the current request sub-state.
func (sm *StateMachine) RequestState() RequestState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.request
}

// AsyncState reports the current async sub-state.
func (sm *StateMachine) AsyncState() AsyncState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.async
}

// Recycle resets the vector for reuse on a persistent connection (§3
// Invariant 5: Terminated must be followed by recycle before further
// actions are produced).
func (sm *StateMachine) Recycle() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.request, sm.async, sm.output, sm.input = RequestIdle, AsyncNotAsync, OutputOpen, InputIdle
	sm.owned, sm.terminated = false, false
	sm.sendErrorPending, sm.asyncErr, sm.asyncTimeoutPending = false, nil, false
	sm.contentProducible, sm.writeReady = false, false
	sm.completing, sm.completeProduced = false, false
}
