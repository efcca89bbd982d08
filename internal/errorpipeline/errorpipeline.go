// Package errorpipeline implements C5: failure classification, minimal
// synthetic responses, and the error-page dispatch protocol (§4.5).
package errorpipeline

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/badu/channeld/internal/corelog"
	"github.com/badu/channeld/internal/statemachine"
	"github.com/badu/channeld/transport"
)

// Class is the error taxonomy of §4.5, independent of Go's error types.
type Class int

const (
	ClassQuiet Class = iota
	ClassBadMessage
	ClassTransientIO
	ClassApplication
)

func (c Class) String() string {
	switch c {
	case ClassQuiet:
		return "quiet"
	case ClassBadMessage:
		return "bad-message"
	case ClassTransientIO:
		return "transient-io"
	default:
		return "application"
	}
}

// BadMessageError is a malformed request; NewBadMessage keeps Status within
// 400-599 (§4.5).
type BadMessageError struct {
	Status int
	Reason string
	Cause  error
}

func (e *BadMessageError) Error() string {
	return fmt.Sprintf("bad message: %d %s", e.Status, e.Reason)
}

func (e *BadMessageError) Unwrap() error { return e.Cause }

// BadMessage marks this type for outputpipeline's duck-typed detection.
func (e *BadMessageError) BadMessage() bool { return true }

// NewBadMessage keeps status within [400, 599] (§4.5): a status outside
// that range is replaced by 400.
func NewBadMessage(status int, reason string, cause error) *BadMessageError {
	if status < 400 || status > 599 {
		status = 400
	}
	return &BadMessageError{Status: status, Reason: reason, Cause: cause}
}

// QuietError wraps an internal signal that must be suppressed from normal
// logging (§4.5).
type QuietError struct{ Cause error }

func (e *QuietError) Error() string { return e.Cause.Error() }
func (e *QuietError) Unwrap() error { return e.Cause }

type transientIO interface{ Temporary() bool }

// Classify maps an arbitrary error onto the §4.5 taxonomy.
func Classify(err error) Class {
	cause := errors.Cause(err)
	switch cause.(type) {
	case *QuietError:
		return ClassQuiet
	case *BadMessageError:
		return ClassBadMessage
	}
	if _, ok := cause.(transientIO); ok {
		return ClassTransientIO
	}
	return ClassApplication
}

// Pipeline owns the minimal-response/error-handler dispatch protocol.
type Pipeline struct {
	sm      *statemachine.StateMachine
	tr      transport.Transport
	handler transport.ErrorHandler

	recent *lru.Cache[string, int]
}

// New constructs a Pipeline. handler may be nil (§4.5 falls back to a
// minimal body).
func New(sm *statemachine.StateMachine, tr transport.Transport, handler transport.ErrorHandler, cacheSize int) *Pipeline {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, _ := lru.New[string, int](cacheSize)
	return &Pipeline{sm: sm, tr: tr, handler: handler, recent: c}
}

// OnBadMessage implements the parser-level propagation rule (§4.5): if the
// StateMachine can still dispatch, send a minimal synthetic response and
// invoke onCompleted; otherwise return the error for the caller to
// re-raise.
func (p *Pipeline) OnBadMessage(ctx context.Context, req *transport.RequestMeta, remoteAddr string, bm *BadMessageError) error {
	if p.sm.RequestState() != statemachine.RequestIdle {
		return bm
	}
	count := p.trackRepeat(remoteAddr, bm.Status)

	var body []byte
	if p.handler != nil {
		body = p.handler.BadMessageError(bm.Status, bm.Reason, nil)
	}
	resp := &transport.ResponseMeta{Status: bm.Status, Reason: bm.Reason}
	p.tr.Send(req, resp, transport.Chunk{Data: body, Last: true}, true, noop{})
	p.tr.OnCompleted()
	p.logBadMessage(remoteAddr, bm, count)
	return nil
}

// trackRepeat bumps the LRU count of recent identical-status bad messages
// from remoteAddr, used by logBadMessage to downgrade log noise from a
// client that keeps sending the same malformed request (§2 domain stack).
func (p *Pipeline) trackRepeat(remoteAddr string, status int) int {
	if p.recent == nil {
		return 0
	}
	key := fmt.Sprintf("%s:%d", remoteAddr, status)
	count, _ := p.recent.Get(key)
	count++
	p.recent.Add(key, count)
	return count
}

func (p *Pipeline) logBadMessage(remoteAddr string, bm *BadMessageError, count int) {
	fields := corelog.Fields{"remote": remoteAddr, "status": bm.Status, "reason": bm.Reason}
	if count > 3 {
		corelog.Debug("repeated bad message, suppressing warning", fields)
		return
	}
	corelog.Warn("bad message", fields)
}

// Dispatch implements part of the SendError action body of §4.4 (the
// caller, Channel.sendError, has already reset content): pick the status
// from the request's error-status attribute, decide whether to send a
// minimal body or dispatch into the error handler.
func (p *Pipeline) Dispatch(ctx context.Context, req *transport.RequestMeta, resp *transport.ResponseMeta, status int, method string) ([]byte, bool) {
	if resp.Status == 0 {
		resp.Status = status
	}
	if resp.Status == 0 {
		resp.Status = 500
	}
	forbidsBody := resp.Status == 204 || resp.Status == 304 || (resp.Status >= 100 && resp.Status < 200) || method == "HEAD"
	if forbidsBody || p.handler == nil || !p.handler.ErrorPageForMethod(method) {
		return nil, false
	}
	body, err := p.handler.Handle(ctx, req.Target, req, resp)
	if err != nil {
		return nil, false
	}
	return body, true
}

// Abort is the universal terminal cancellation (§4.5). Idempotent: only
// the transition that actually happens fires onFailure/transport.Abort.
func (p *Pipeline) Abort(err error, onFailure func(error)) {
	if p.sm.AbortResponse() {
		if onFailure != nil {
			onFailure(err)
		}
		p.tr.Abort(err)
	}
}

type noop struct{}

func (noop) Succeeded()   {}
func (noop) Failed(error) {}
