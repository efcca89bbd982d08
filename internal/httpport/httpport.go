// Package httpport implements the HTTP/1.1-style InputPort named in §9: a
// concrete inputpump.Port fed by pushed content chunks, standing in for
// the out-of-scope wire parser (§1 Non-goals).
package httpport

import (
	"sync"

	"github.com/badu/channeld/transport"
)

// Producer is a single-exchange InputPort. A connection-level reader
// (outside this module's scope) pushes chunks via Push; the Channel Core
// consumes them through the Port methods (NeedContent, Produce, FailAll,
// EOF).
type Producer struct {
	mu      sync.Mutex
	queue   []transport.Chunk
	waiter  func()
	closed  bool
}

// NewProducer returns an empty Producer ready to receive pushed chunks.
func NewProducer() *Producer { return &Producer{} }

// Push enqueues a data chunk, waking a pending NeedContent waiter if any.
func (p *Producer) Push(data []byte, last bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, transport.Chunk{Data: data, Last: last})
	waiter := p.waiter
	p.waiter = nil
	p.mu.Unlock()
	if waiter != nil {
		waiter()
	}
}

// NeedContent implements inputpump.Port.
func (p *Producer) NeedContent(onContentProducible func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		return true
	}
	if p.closed {
		return true
	}
	p.waiter = onContentProducible
	return false
}

// Produce implements inputpump.Port.
func (p *Producer) Produce() (transport.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return transport.Chunk{}, false
	}
	c := p.queue[0]
	p.queue = p.queue[1:]
	return c, true
}

// FailAll implements inputpump.Port.
func (p *Producer) FailAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, transport.Chunk{Special: true, Last: true, Err: err})
	p.closed = true
}

// EOF implements inputpump.Port.
func (p *Producer) EOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Continue100 is the open question resolved as Decision D1 in DESIGN.md:
// the default never sends 100-Continue. Embedders wanting the behavior
// construct their own Port.
func (p *Producer) Continue100(available int) bool { return false }
