// Package channel implements C4, the driver that owns one Exchange at a
// time and repeatedly pulls Actions from the StateMachine (§4.4), plus the
// Exchange data model (§3).
package channel

import (
	"time"

	"github.com/google/uuid"

	"github.com/badu/channeld/hdr"
	"github.com/badu/channeld/internal/inputpump"
	"github.com/badu/channeld/internal/listener"
	"github.com/badu/channeld/internal/outputpipeline"
	"github.com/badu/channeld/internal/statemachine"
	"github.com/badu/channeld/transport"
)

// Exchange is one in-flight HTTP request/response pair on a connection
// (§3). It is exclusively owned by its Channel.
type Exchange struct {
	ID uuid.UUID

	Req  *transport.RequestMeta
	Resp *transport.ResponseMeta

	sm     *statemachine.StateMachine
	in     *inputpump.Pump
	out    *outputpipeline.Pipeline
	fanout *listener.Fanout

	// requestEnded guards fireRequestEnd so the RequestEnd phase (§4.6)
	// fires exactly once per exchange even if dispatch runs again for an
	// async resumption.
	requestEnded bool

	// dispatching is true for the duration of a Handle/HandleAsync call.
	// A handler that writes its response synchronously would otherwise
	// have OutputPipeline fire response-phase listener notifications
	// before onAfterDispatch/onRequestEnd return -- deferredResponse
	// queues those notifications so Channel.dispatch can flush them in
	// canonical order (§4.6) once the handler has returned.
	dispatching      bool
	deferredResponse []func()

	// errorStatus mirrors the request-scoped "ERROR_STATUS_CODE"
	// attribute the SendError action row reads (§4.4), defaulting to 500.
	errorStatus int

	// dispatcherType is cleared after each dispatch (§4.4 "around each
	// dispatch" note).
	dispatcherType string

	// consumeAllOK records whether input was fully drained by
	// completion, driving the persistence rule of §6/§8 P7.
	consumeAllOK bool

	startedAt time.Time

	// asyncTimeout, armTimer and disarmTimer let StartAsync/DispatchAsync
	// arm and cancel the Scheduler timer backing AsyncTimeout (§5
	// "Resumption sources ... idle-timeout scheduler firing onTimeout").
	asyncTimeout time.Duration
	armTimer     func(d time.Duration)
	disarmTimer  func()

	// asyncTimeoutListener is the application's AsyncListener-style
	// onTimeout hook (§4.1), registered via OnAsyncTimeout while the
	// exchange is suspended. It runs before the StateMachine's own
	// cooperative timeout escalation, giving the application a chance to
	// resolve the timeout (Complete/DispatchAsync) itself.
	asyncTimeoutListener func(*Exchange)
}

// newExchange wires a fresh Exchange's sub-components together. Called by
// Channel.OnRequest.
func newExchange(req *transport.RequestMeta, port inputpump.Port, tr transport.Transport, fanout *listener.Fanout, requireDate bool) *Exchange {
	sm := statemachine.New()
	resp := &transport.ResponseMeta{Header: map[string][]string{}}

	ex := &Exchange{
		ID:          uuid.New(),
		Req:         req,
		Resp:        resp,
		sm:          sm,
		fanout:      fanout,
		errorStatus: 500,
		startedAt:   req.ArrivedAt,
	}
	ex.in = inputpump.New(port, sm)
	ex.out = outputpipeline.New(sm, tr, req, resp, outputpipeline.Hooks{
		OnResponseBegin: func(status int) {
			// Runs before the commit snapshot, so the §6 persistence rule
			// reaches the headers actually sent.
			if !ex.consumeAllOK {
				if req.Proto == "HTTP/1.0" {
					removeKeepAliveTokens(resp.Header)
				} else {
					addConnectionClose(resp.Header)
				}
			}
			ex.notifyResponse(func() { fanout.ResponseBegin(ex.ID.String(), status) })
		},
		OnResponseCommit:  func() { ex.notifyResponse(func() { fanout.ResponseCommit(ex.ID.String()) }) },
		OnResponseContent: func(n int) { ex.notifyResponse(func() { fanout.ResponseContent(ex.ID.String(), n) }) },
		OnResponseEnd:     func() { ex.notifyResponse(func() { fanout.ResponseEnd(ex.ID.String()) }) },
		OnResponseFailure: func(err error) { ex.notifyResponse(func() { fanout.ResponseFailure(ex.ID.String(), err) }) },
	})

	if requireDate {
		if _, ok := resp.Header[hdr.Date]; !ok {
			resp.Header[hdr.Date] = []string{time.Now().UTC().Format(hdr.TimeFormat)}
		}
	}
	resp.Header["X-Exchange-Id"] = []string{ex.ID.String()}

	return ex
}

// SetErrorStatus sets the status SendError will use absent an explicit
// Resp.Status (§4.4 "ERROR_STATUS_CODE request attribute").
func (ex *Exchange) SetErrorStatus(status int) { ex.errorStatus = status }

// NeedContent / ProduceContent / FailAllContent / EOF delegate to the
// Exchange's InputPump (§6 input-side entry points).
func (ex *Exchange) NeedContent() bool { return ex.in.NeedContent() }

func (ex *Exchange) ProduceContent() (transport.Chunk, bool) {
	chunk, ok := ex.in.ProduceContent()
	if ok && !chunk.Special && len(chunk.Data) > 0 {
		ex.fanout.RequestContent(ex.ID.String(), len(chunk.Data))
	}
	return chunk, ok
}

func (ex *Exchange) FailAllContent(err error) bool { return ex.in.FailAllContent(err) }

func (ex *Exchange) ContentEOF() bool {
	done := ex.in.EOF()
	ex.consumeAllOK = ex.in.ConsumeAll() || ex.consumeAllOK
	ex.fanout.RequestContentEnd(ex.ID.String())
	return done
}

// fireRequestEnd notifies the request-side completion phases of §4.6 in
// canonical order (trailers, if any, then RequestEnd). Guarded by
// requestEnded so it fires at most once per exchange regardless of how
// many times dispatch runs (synchronous dispatch, or dispatch followed by
// one or more async resumptions).
func (ex *Exchange) fireRequestEnd() {
	if ex.requestEnded {
		return
	}
	ex.requestEnded = true
	if len(ex.Req.Trailer) > 0 {
		ex.fanout.RequestTrailers(ex.ID.String())
	}
	ex.fanout.RequestEnd(ex.ID.String())
}

// notifyResponse fires a response-phase listener notification immediately,
// unless a handler is currently running synchronously inside dispatch, in
// which case it queues behind onAfterDispatch/onRequestEnd so the observed
// order still matches the canonical sequence of §4.6 even though Write
// itself always commits and sends synchronously.
func (ex *Exchange) notifyResponse(fn func()) {
	if ex.dispatching {
		ex.deferredResponse = append(ex.deferredResponse, fn)
		return
	}
	fn()
}

// flushDeferredResponse runs any response-phase notifications queued by
// notifyResponse while the handler was running. Called by Channel.dispatch
// right after onAfterDispatch/onRequestEnd fire.
func (ex *Exchange) flushDeferredResponse() {
	pending := ex.deferredResponse
	ex.deferredResponse = nil
	for _, fn := range pending {
		fn()
	}
}

// Write / SendResponseAndComplete delegate to the OutputPipeline (§6
// output-side entry points).
func (ex *Exchange) Write(chunk transport.Chunk, last bool, cb outputpipeline.Callback) {
	ex.out.Write(chunk, last, cb)
}

func (ex *Exchange) SendResponseAndComplete() {
	ex.out.CompleteOutput(nil)
}

// StartAsync suspends the exchange (NotAsync -> Started, §4.1) and arms the
// async timeout timer via the Channel's Scheduler, if one was wired.
func (ex *Exchange) StartAsync() error {
	if err := ex.sm.StartAsync(); err != nil {
		return err
	}
	if ex.armTimer != nil {
		ex.armTimer(ex.asyncTimeout)
	}
	return nil
}

// DispatchAsync resumes a suspended exchange and disarms the timer.
func (ex *Exchange) DispatchAsync() error {
	if ex.disarmTimer != nil {
		ex.disarmTimer()
	}
	return ex.sm.DispatchAsync()
}

// Complete resolves the async suspension and disarms the timer.
func (ex *Exchange) Complete() error {
	if ex.disarmTimer != nil {
		ex.disarmTimer()
	}
	return ex.sm.Complete()
}

func (ex *Exchange) OnTimeout()        { ex.sm.OnTimeout() }
func (ex *Exchange) OnError(err error) { ex.sm.OnError(err) }

// OnAsyncTimeout registers the application's timeout listener (§4.1). It
// may call Complete or DispatchAsync to resolve the suspension itself;
// otherwise the cooperative escalation in Channel.runAsyncTimeout applies.
func (ex *Exchange) OnAsyncTimeout(fn func(*Exchange)) { ex.asyncTimeoutListener = fn }

// SetRescheduler wires the callback fired when a write completion resolves a
// pending Wait (§5); Channel.OnRequest binds this to its own Reschedule.
func (ex *Exchange) SetRescheduler(fn func()) { ex.out.SetOnReschedule(fn) }
