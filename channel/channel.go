package channel

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/badu/channeld/config"
	"github.com/badu/channeld/internal/corelog"
	"github.com/badu/channeld/internal/errorpipeline"
	"github.com/badu/channeld/internal/inputpump"
	"github.com/badu/channeld/internal/listener"
	"github.com/badu/channeld/internal/metrics"
	"github.com/badu/channeld/internal/statemachine"
	"github.com/badu/channeld/transport"
)

// Channel is C4: the driver that owns an Exchange and repeatedly requests
// Actions from its StateMachine, executing each until the loop yields Wait
// or Terminated (§4.4).
type Channel struct {
	tr       transport.Transport
	ep       transport.Endpoint
	exec     transport.Executor
	sched    transport.Scheduler
	srv      transport.Server
	errH     transport.ErrorHandler
	fanout   *listener.Fanout
	errPipe  *errorpipeline.Pipeline
	cfg      config.Server
	stopped  func() bool

	ex             *Exchange
	oldIdleTimeout time.Duration
	hadOldTimeout  bool

	upgradeHook func(*Exchange) bool
}

// Options configures a new Channel. Only Stopped gets a default. A nil
// ErrorHandler means no error pages, a nil Executor makes Reschedule run
// the loop inline, and a nil Scheduler leaves async timeouts unarmed.
type Options struct {
	Transport    transport.Transport
	Endpoint     transport.Endpoint
	Executor     transport.Executor
	Scheduler    transport.Scheduler
	Server       transport.Server
	ErrorHandler transport.ErrorHandler
	Listeners    listener.Hooks
	Config       config.Server
	// Stopped reports whether the owning server has been asked to shut
	// down, used by handleException's logging-level decision (§4.4).
	Stopped func() bool
	// UpgradeHook implements checkAndPrepareUpgrade (§4.4, §9): return
	// true to short-circuit normal completion.
	UpgradeHook func(*Exchange) bool
}

// New constructs a Channel for one connection. A fresh Exchange is attached
// per request via OnRequest.
func New(opts Options) *Channel {
	if opts.Stopped == nil {
		opts.Stopped = func() bool { return false }
	}
	fanout := listener.New(opts.Listeners)
	return &Channel{
		tr:          opts.Transport,
		ep:          opts.Endpoint,
		exec:        opts.Executor,
		sched:       opts.Scheduler,
		srv:         opts.Server,
		errH:        opts.ErrorHandler,
		fanout:      fanout,
		errPipe:     errorpipeline.New(nil, opts.Transport, opts.ErrorHandler, opts.Config.BadMessageCacheSize),
		cfg:         opts.Config,
		stopped:     opts.Stopped,
		upgradeHook: opts.UpgradeHook,
	}
}

// OnRequest is the parser-driven entry point fired once a request line and
// headers have finished parsing (§6). It creates the Exchange, captures the
// idle timeout override (§5) and fires onRequestBegin.
func (c *Channel) OnRequest(ctx context.Context, req *transport.RequestMeta, port inputpump.Port) *Exchange {
	ex := newExchange(req, port, c.tr, c.fanout, c.cfg.RequireDateHeader)
	ex.asyncTimeout = c.cfg.AsyncDefaultTimeout
	ex.SetRescheduler(func() { c.Reschedule(ctx) })
	if c.sched != nil {
		ex.armTimer = func(d time.Duration) {
			cancel := c.sched.Schedule(d, func() {
				ex.OnTimeout()
				c.Reschedule(ctx)
			})
			ex.disarmTimer = func() { cancel() }
		}
	}
	c.errPipe = errorpipeline.New(ex.sm, c.tr, c.errH, c.cfg.BadMessageCacheSize)
	c.ex = ex

	if c.ep != nil && c.cfg.RequestIdleTimeout != 0 && c.cfg.RequestIdleTimeout != c.ep.IdleTimeout() {
		c.oldIdleTimeout = c.ep.IdleTimeout()
		c.hadOldTimeout = true
		c.ep.SetIdleTimeout(c.cfg.RequestIdleTimeout)
	}

	c.fanout.RequestBegin(ex.ID.String(), req.Method, req.Target)
	return ex
}

// OnBadMessage implements the §4.5 propagation rule for parser-level
// malformed requests.
func (c *Channel) OnBadMessage(ctx context.Context, req *transport.RequestMeta, remoteAddr string, bm *errorpipeline.BadMessageError) error {
	sm := statemachine.New()
	pipe := errorpipeline.New(sm, c.tr, c.errH, c.cfg.BadMessageCacheSize)
	return pipe.OnBadMessage(ctx, req, remoteAddr, bm)
}

// Run executes the main loop of §4.1/§4.4: handling() then unhandle() until
// Wait or Terminated. It is safe to call repeatedly (re-entry on the owning
// goroutine after an external event reschedules the Channel).
func (c *Channel) Run(ctx context.Context) {
	if c.ex == nil {
		return
	}
	sm := c.ex.sm
	action, err := sm.Handling()
	if err != nil {
		c.handleException(ctx, err)
		return
	}
	for action != statemachine.ActionWait && action != statemachine.ActionTerminated {
		c.execute(ctx, action)
		action, err = sm.Unhandle()
		if err != nil {
			c.handleException(ctx, err)
			return
		}
	}
	if action == statemachine.ActionTerminated {
		c.onCompleted()
	}
}

// Reschedule hands the Channel back to the Executor; called by whichever
// component observed a reschedule==true return from the StateMachine's
// Notify* methods (§5).
func (c *Channel) Reschedule(ctx context.Context) {
	if c.exec != nil {
		c.exec.Execute(func() { c.Run(ctx) })
		return
	}
	c.Run(ctx)
}

func (c *Channel) execute(ctx context.Context, action statemachine.Action) {
	metrics.Actions.WithLabelValues(action.String()).Inc()

	switch action {
	case statemachine.ActionDispatch:
		c.dispatch(ctx, false)
	case statemachine.ActionAsyncDispatch:
		c.dispatch(ctx, true)
	case statemachine.ActionAsyncTimeout:
		c.runAsyncTimeout(ctx)
	case statemachine.ActionSendError:
		c.sendError(ctx)
	case statemachine.ActionAsyncError:
		c.asyncError(ctx)
	case statemachine.ActionReadCallback:
		c.readCallback(ctx)
	case statemachine.ActionWriteCallback:
		c.writeCallback(ctx)
	case statemachine.ActionComplete:
		c.complete(ctx)
	}
}

func (c *Channel) dispatch(ctx context.Context, async bool) {
	ex := c.ex
	ex.dispatcherType = "REQUEST"
	if async {
		ex.dispatcherType = "ASYNC"
	}
	c.fanout.BeforeDispatch(ex.ID.String())

	ex.dispatching = true
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic in handler: %v", r)
			}
		}()
		if async {
			err = c.srv.HandleAsync(ctx, ex)
		} else {
			err = c.srv.Handle(ctx, ex)
		}
	}()
	ex.dispatching = false

	if err != nil {
		c.fanout.DispatchFailure(ex.ID.String(), err)
		c.handleDispatchException(ex, err)
	} else {
		c.fanout.AfterDispatch(ex.ID.String())
	}
	ex.dispatcherType = ""
	ex.fireRequestEnd()
	ex.flushDeferredResponse()

	if ex.sm.AsyncState() == statemachine.AsyncNotAsync {
		ex.sm.DispatchComplete()
	} else if ex.sm.RequestState() == statemachine.RequestDispatched {
		ex.sm.DispatchComplete()
	}
}

func (c *Channel) handleDispatchException(ex *Exchange, err error) {
	if ex.sm.OutputState() != statemachine.OutputOpen {
		c.errPipe.Abort(err, func(e error) { c.fanout.ResponseFailure(ex.ID.String(), e) })
		return
	}
	ex.SetErrorStatus(500)
	if sendErr := ex.sm.SendError(); sendErr != nil {
		c.errPipe.Abort(err, func(e error) { c.fanout.ResponseFailure(ex.ID.String(), e) })
	}
}

func (c *Channel) runAsyncTimeout(ctx context.Context) {
	ex := c.ex
	if ex.asyncTimeoutListener != nil {
		ex.asyncTimeoutListener(ex)
	}
	// If the listener above resolved the suspension (Complete/DispatchAsync),
	// the async sub-state is no longer Expiring and this is a no-op; the
	// cooperative fallback of §4.1 only fires for listeners that did nothing.
	ex.sm.FinishAsyncTimeout()
}

func (c *Channel) asyncError(ctx context.Context) {
	ex := c.ex
	err := ex.sm.TakeAsyncError()
	c.fanout.RequestFailure(ex.ID.String(), err)
	c.handleDispatchException(ex, err)
}

func (c *Channel) readCallback(ctx context.Context) {
	// The registered read-ready notification is whatever the handler
	// installed via its own async read listener; the core only certifies
	// that content is now available (ex.ProduceContent will succeed).
	_ = ctx
}

func (c *Channel) writeCallback(ctx context.Context) {
	_ = ctx
}

func (c *Channel) sendError(ctx context.Context) {
	ex := c.ex
	if resetErr := ex.out.ResetContent(); resetErr != nil {
		// Already committed underneath us; escalate to abort (§4.1
		// "SEND_ERROR action, when scheduled with the response already
		// committed, escalates to abort").
		c.errPipe.Abort(resetErr, func(e error) { c.fanout.ResponseFailure(ex.ID.String(), e) })
		return
	}

	c.ensureConsumeAllOrNotPersistent(ex)

	body, dispatched := c.errPipe.Dispatch(ctx, ex.Req, ex.Resp, ex.errorStatus, ex.Req.Method)
	if dispatched {
		ex.Write(transport.Chunk{Data: body, Last: true}, true, nil)
		ex.sm.FinishSendError()
		return
	}

	if ex.Resp.Status == 0 {
		ex.Resp.Status = ex.errorStatus
	}
	ex.Write(transport.Chunk{Last: true}, true, nil)
	ex.sm.FinishSendError()
}

// ensureConsumeAllOrNotPersistent applies the §6 persistence rule when the
// request body was not (and will not be) fully drained.
func (c *Channel) ensureConsumeAllOrNotPersistent(ex *Exchange) {
	if ex.consumeAllOK {
		return
	}
	switch ex.Req.Proto {
	case "HTTP/1.0":
		removeKeepAliveTokens(ex.Resp.Header)
	default:
		addConnectionClose(ex.Resp.Header)
	}
}

func (c *Channel) complete(ctx context.Context) {
	ex := c.ex
	if ex.sm.OutputState() == statemachine.OutputOpen && ex.sm.RequestState() != statemachine.RequestDispatched {
		if ex.Resp.Status == 0 {
			ex.SetErrorStatus(404)
			_ = ex.sm.SendError()
			return
		}
	}

	if err := ex.out.CheckContentLength(ex.Req.Method, contentLength(ex.Resp.Header), hasContentLength(ex.Resp.Header)); err != nil {
		c.errPipe.Abort(err, func(e error) { c.fanout.ResponseFailure(ex.ID.String(), e) })
		return
	}

	if c.upgradeHook != nil && c.upgradeHook(ex) {
		return
	}

	c.ensureConsumeAllOrNotPersistent(ex)
	metrics.ExchangeDuration.Observe(time.Since(ex.startedAt).Seconds())

	ex.out.CompleteOutput(completeCallback{ex: ex})
}

type completeCallback struct{ ex *Exchange }

func (cc completeCallback) Succeeded() {}
func (cc completeCallback) Failed(error) {}

func (c *Channel) onCompleted() {
	ex := c.ex
	if c.hadOldTimeout && c.ep != nil {
		c.ep.SetIdleTimeout(c.oldIdleTimeout)
		c.hadOldTimeout = false
	}
	c.fanout.Complete(ex.ID.String())
	c.fanout.Recycle()
	c.tr.OnCompleted()
}

// Recycle resets the Channel for the next exchange on a persistent
// connection (§6 recycle).
func (c *Channel) Recycle() {
	if c.ex != nil {
		c.ex.sm.Recycle()
	}
	c.ex = nil
}

// Abort is the terminal cancellation entry point (§6).
func (c *Channel) Abort(err error) {
	if c.ex == nil {
		c.tr.Abort(err)
		return
	}
	committed := c.ex.sm.OutputState() != statemachine.OutputOpen
	c.errPipe.Abort(err, func(e error) { c.fanout.ResponseFailure(c.ex.ID.String(), e) })
	metrics.Aborts.WithLabelValues(boolLabel(committed)).Inc()
}

// handleException implements the §4.4 "Exception handling in the loop"
// table.
func (c *Channel) handleException(ctx context.Context, err error) {
	class := errorpipeline.Classify(err)
	switch {
	case c.stopped() || class == errorpipeline.ClassQuiet:
		corelog.Debug("channel exception (stopped or quiet)", corelog.Fields{"err": err.Error()})
	case class == errorpipeline.ClassBadMessage || class == errorpipeline.ClassTransientIO:
		corelog.Warn("channel exception", corelog.Fields{"err": err.Error()})
	default:
		corelog.WithError(err, "channel exception", nil)
	}

	if c.ex == nil {
		return
	}
	if c.ex.sm.OutputState() != statemachine.OutputOpen {
		c.Abort(err)
		return
	}
	c.ex.OnError(err)
	if sendErr := c.ex.sm.SendError(); sendErr != nil {
		c.Abort(err)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
