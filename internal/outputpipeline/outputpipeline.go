// Package outputpipeline implements C3: commit-once response header
// emission, chunk emission, content-length accounting and write-completion
// bookkeeping (§4.3).
package outputpipeline

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/badu/channeld/internal/metrics"
	"github.com/badu/channeld/internal/statemachine"
	"github.com/badu/channeld/transport"
)

// ErrAlreadyCommitted is delivered to a write callback when a second
// caller races a non-nil ResponseMeta onto an already-committed response
// (§4.3 Commit protocol step 2).
var ErrAlreadyCommitted = errors.New("outputpipeline: response already committed")

// Callback mirrors transport.WriteCallback for the caller side of Write.
type Callback interface {
	Succeeded()
	Failed(err error)
}

// Pipeline is the OutputPipeline of §4.3.
type Pipeline struct {
	mu sync.Mutex

	sm   *statemachine.StateMachine
	tr   transport.Transport
	req  *transport.RequestMeta
	resp *transport.ResponseMeta

	written int64 // atomic: bytesWritten (§3 Invariant 4)

	onBegin      func(status int)
	onCommit     func()
	onContent    func(n int)
	onEnd        func()
	onFailure    func(err error)
	onPartial    func(status int)
	onReschedule func()
}

// SetOnReschedule wires the callback fired when NotifyWriteComplete reports
// a pending Wait (§5) -- the Channel driver re-enters its loop through
// whatever Executor it was given, or inline on the write completion thread
// when it has none.
func (p *Pipeline) SetOnReschedule(fn func()) { p.onReschedule = fn }

// Hooks lets the Channel driver wire ListenerFanout notifications without
// the pipeline importing the listener package (keeps the dependency graph
// a DAG rooted at channel).
type Hooks struct {
	OnResponseBegin   func(status int)
	OnResponseCommit  func()
	OnResponseContent func(n int)
	OnResponseEnd     func()
	OnResponseFailure func(err error)
	OnInformational   func(status int)
}

// New constructs a Pipeline bound to req's response metadata.
func New(sm *statemachine.StateMachine, tr transport.Transport, req *transport.RequestMeta, resp *transport.ResponseMeta, h Hooks) *Pipeline {
	return &Pipeline{
		sm:        sm,
		tr:        tr,
		req:       req,
		resp:      resp,
		onBegin:   h.OnResponseBegin,
		onCommit:  h.OnResponseCommit,
		onContent: h.OnResponseContent,
		onEnd:     h.OnResponseEnd,
		onFailure: h.OnResponseFailure,
		onPartial: h.OnInformational,
	}
}

type sendCallback struct {
	p        *Pipeline
	user     Callback
	length   int
	last     bool
	firstSeq bool
}

func (cb *sendCallback) Succeeded() {
	atomic.AddInt64(&cb.p.written, int64(cb.length))
	metrics.BytesWritten.Add(float64(cb.length))
	if cb.firstSeq && cb.p.onCommit != nil {
		cb.p.onCommit()
	}
	if cb.p.onContent != nil {
		cb.p.onContent(cb.length)
	}
	if cb.last {
		if cb.p.sm.CompleteResponse() && cb.p.onEnd != nil {
			cb.p.onEnd()
		}
	}
	if cb.p.sm.NotifyWriteComplete() && cb.p.onReschedule != nil {
		cb.p.onReschedule()
	}
	if cb.user != nil {
		cb.user.Succeeded()
	}
}

func (cb *sendCallback) Failed(err error) {
	if isBadMessage(err) {
		cb.p.attemptMinimal500()
	}
	if cb.p.sm.AbortResponse() && cb.p.onFailure != nil {
		cb.p.onFailure(err)
	}
	if cb.p.sm.NotifyWriteComplete() && cb.p.onReschedule != nil {
		cb.p.onReschedule()
	}
	if cb.user != nil {
		cb.user.Failed(err)
	}
}

// Write performs a non-blocking commit-or-continue write (§4.3).
func (p *Pipeline) Write(chunk transport.Chunk, last bool, cb Callback) {
	p.mu.Lock()
	firstCall := !p.headersSent()
	var metaForSend *transport.ResponseMeta
	if firstCall {
		if !p.sm.CommitResponse() {
			p.mu.Unlock()
			if cb != nil {
				cb.Failed(errors.Wrap(ErrAlreadyCommitted, "write"))
			}
			return
		}
		p.markHeadersSent()
		if p.onBegin != nil {
			p.onBegin(p.resp.Status)
		}
		metaForSend = snapshot(p.resp)
	}
	p.mu.Unlock()

	wrapped := &sendCallback{p: p, user: cb, length: len(chunk.Data), last: last, firstSeq: firstCall}
	p.tr.Send(p.req, metaForSend, chunk, last, wrapped)
}

// CompleteOutput closes the output; if nothing was written yet it commits
// an empty response (§4.3). Once a last write has completed the output,
// nothing more is sent and cb succeeds immediately.
func (p *Pipeline) CompleteOutput(cb Callback) {
	if p.sm.OutputState() == statemachine.OutputCompleted {
		if cb != nil {
			cb.Succeeded()
		}
		return
	}
	p.Write(transport.Chunk{Last: true}, true, cb)
}

// ResetContent is legal only while the response is uncommitted (§4.3).
func (p *Pipeline) ResetContent() error {
	if p.sm.OutputState() != statemachine.OutputOpen {
		return errors.Wrap(statemachine.ErrIllegalState, "resetContent: already committed")
	}
	p.mu.Lock()
	p.resp.Header = map[string][]string{}
	p.resp.Status = 0
	p.resp.Reason = ""
	p.mu.Unlock()
	return nil
}

// Send1XX sends an informational response without transitioning out of
// Open (§4.1, §9 "informational path"). It may be called repeatedly.
func (p *Pipeline) Send1XX(status int) {
	meta := &transport.ResponseMeta{Status: status}
	p.tr.Send(p.req, meta, transport.Chunk{}, false, noopCallback{})
	if p.onPartial != nil {
		p.onPartial(status)
	}
}

// Written returns bytes confirmed written post-interception (§4.3).
func (p *Pipeline) Written() int64 {
	return atomic.LoadInt64(&p.written)
}

// CheckContentLength enforces the §4.3 content-length rule: for non-HEAD,
// non-304 exchanges, declared length must equal bytes written.
func (p *Pipeline) CheckContentLength(method string, declared int64, haveDeclared bool) error {
	if method == "HEAD" || p.resp.Status == 304 {
		return nil
	}
	if !haveDeclared {
		return nil
	}
	if p.Written() != declared {
		return errors.New("insufficient content written")
	}
	return nil
}

func (p *Pipeline) attemptMinimal500() {
	meta := &transport.ResponseMeta{Status: 500, Reason: "Internal Server Error"}
	p.tr.Send(p.req, meta, transport.Chunk{Data: []byte("Internal Server Error"), Last: true}, true, noopCallback{})
}

// headersSent tracks whether commit has already been issued by reading the
// StateMachine's outputState directly; markHeadersSent is a no-op kept for
// call-site symmetry with the commit-then-mark sequence in Write.
func (p *Pipeline) headersSent() bool { return p.sm.OutputState() != statemachine.OutputOpen }
func (p *Pipeline) markHeadersSent()  {}

func snapshot(resp *transport.ResponseMeta) *transport.ResponseMeta {
	cp := *resp
	cp.Header = make(map[string][]string, len(resp.Header))
	for k, v := range resp.Header {
		cp.Header[k] = append([]string(nil), v...)
	}
	return &cp
}

type noopCallback struct{}

func (noopCallback) Succeeded()      {}
func (noopCallback) Failed(error)    {}

type badMessage interface{ BadMessage() bool }

func isBadMessage(err error) bool {
	bm, ok := errors.Cause(err).(badMessage)
	return ok && bm.BadMessage()
}
