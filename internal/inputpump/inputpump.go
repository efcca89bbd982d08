// Package inputpump implements C2: the demand-driven bridge between a
// content producer (the out-of-scope wire parser, represented here by the
// Port capability set from §9) and an application reading a Request body.
package inputpump

import (
	"sync"

	"github.com/badu/channeld/internal/statemachine"
	"github.com/badu/channeld/transport"
)

// Port is the capability set §9 substitutes for the source's abstract
// needContent/produceContent/failAllContent/eof methods. A protocol
// implementation (HTTP/1, HTTP/2, HTTP/3) supplies one; the Pump holds a
// Port, not a subtype.
type Port interface {
	// NeedContent reports whether a chunk is immediately available. When
	// it is not, the Port arranges for onContentProducible to fire once
	// data arrives and returns false.
	NeedContent(onContentProducible func()) bool
	// Produce returns the next chunk without blocking, or ok=false when
	// none is ready yet.
	Produce() (chunk transport.Chunk, ok bool)
	// FailAll marks the input terminally failed and drains anything
	// queued.
	FailAll(err error)
	// EOF marks end of input.
	EOF()
}

// Pump is the InputPump described in §4.2.
type Pump struct {
	mu sync.Mutex

	port Port
	sm   *statemachine.StateMachine

	demandPending bool
	eofSeen       bool
	failure       error
	specialChunk  *transport.Chunk
}

// New wires a Pump to its Port and the owning exchange's StateMachine.
func New(port Port, sm *statemachine.StateMachine) *Pump {
	return &Pump{port: port, sm: sm}
}

// NeedContent returns true iff a chunk is immediately available; otherwise
// it requests more from the Port and arranges rescheduling, and is
// idempotent while a demand is already outstanding (§4.2 invariants).
func (p *Pump) NeedContent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.specialChunk != nil {
		return true
	}
	if p.demandPending {
		return false
	}
	ready := p.port.NeedContent(p.onContentProducible)
	if !ready {
		p.demandPending = true
	}
	return ready
}

// onContentProducible is the Port's callback once data has arrived. It
// clears the outstanding demand and notifies the StateMachine, which
// reschedules the Channel driver if no thread currently owns the exchange
// (§4.2, §5).
func (p *Pump) onContentProducible() {
	p.mu.Lock()
	p.demandPending = false
	p.mu.Unlock()
	p.sm.NotifyContentProducible()
}

// ProduceContent returns the next available chunk without blocking, or
// ok=false when none is ready (§4.2).
func (p *Pump) ProduceContent() (transport.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.specialChunk != nil {
		return *p.specialChunk, true
	}
	chunk, ok := p.port.Produce()
	if !ok {
		return transport.Chunk{}, false
	}
	if chunk.Special {
		p.specialChunk = &chunk
	}
	return chunk, true
}

// FailAllContent marks the input terminally failed, draining any queued
// chunks, and returns true if EOF had already been seen -- i.e. nothing
// more would have arrived anyway (§4.2).
func (p *Pump) FailAllContent(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	hadEOF := p.eofSeen
	if p.specialChunk == nil {
		p.failure = err
		p.specialChunk = &transport.Chunk{Special: true, Last: true, Err: err}
	}
	p.port.FailAll(err)
	return hadEOF
}

// EOF marks end-of-input and reports whether the channel must be
// rescheduled, i.e. an application was blocked waiting on this pump
// (§4.2).
func (p *Pump) EOF() bool {
	p.mu.Lock()
	wasWaiting := p.demandPending
	p.eofSeen = true
	p.demandPending = false
	if p.specialChunk == nil {
		p.specialChunk = &transport.Chunk{Special: true, Last: true}
	}
	p.mu.Unlock()

	p.port.EOF()
	if wasWaiting {
		p.sm.NotifyContentProducible()
	}
	return wasWaiting
}

// ConsumeAll is a best-effort drain used during completion (§4.2): it
// repeatedly produces chunks until a special chunk is reached, returning
// true iff nothing failed along the way.
func (p *Pump) ConsumeAll() bool {
	for {
		chunk, ok := p.ProduceContent()
		if !ok {
			return false
		}
		if chunk.Special {
			return chunk.Err == nil
		}
	}
}
