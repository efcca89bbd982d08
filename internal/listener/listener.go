// Package listener implements C6: phase-annotated, failure-isolated
// notification fanout (§4.6), plus the bounded transient per-exchange list
// carried over from the source's deprecated API (§9).
package listener

import (
	"fmt"

	"github.com/badu/channeld/internal/corelog"
)

// Hooks is a set of optional callbacks, one per phase named in §4.6. A
// caller registers only the phases it cares about, the way the teacher's
// trc.ClientTrace composes partial hook sets. All calls happen
// synchronously on the thread advancing the exchange and must not block.
type Hooks struct {
	OnRequestBegin     func(exchangeID string, method, target string)
	OnBeforeDispatch   func(exchangeID string)
	OnAfterDispatch    func(exchangeID string)
	OnDispatchFailure  func(exchangeID string, err error)
	OnRequestContent   func(exchangeID string, n int)
	OnRequestContentEnd func(exchangeID string)
	OnRequestTrailers  func(exchangeID string)
	OnRequestEnd       func(exchangeID string)
	OnRequestFailure   func(exchangeID string, err error)
	OnResponseBegin    func(exchangeID string, status int)
	OnResponseCommit   func(exchangeID string)
	OnResponseContent  func(exchangeID string, n int)
	OnResponseEnd      func(exchangeID string)
	OnResponseFailure  func(exchangeID string, err error)
	OnComplete         func(exchangeID string)
}

// transientCapacity bounds the deprecated per-exchange listener list (§9):
// kept as a small fixed-size collection rather than an unbounded slice.
const transientCapacity = 8

// Fanout aggregates a connector-level combined Hooks set plus a bounded
// per-exchange transient list, and fires every phase on every registered
// set, isolating panics per §4.6.
type Fanout struct {
	combined  Hooks
	transient [transientCapacity]Hooks
	count     int
}

// New constructs a Fanout with the connector-level combined hooks.
func New(combined Hooks) *Fanout {
	return &Fanout{combined: combined}
}

// AddTransient registers a deprecated per-exchange listener; excess
// registrations beyond transientCapacity are dropped with a debug log
// rather than growing unbounded (§9).
func (f *Fanout) AddTransient(h Hooks) {
	if f.count >= transientCapacity {
		corelog.Debug("transient listener list full, dropping registration", nil)
		return
	}
	f.transient[f.count] = h
	f.count++
}

// Recycle clears the transient list for the next exchange (§9).
func (f *Fanout) Recycle() {
	for i := 0; i < f.count; i++ {
		f.transient[i] = Hooks{}
	}
	f.count = 0
}

func (f *Fanout) each(call func(Hooks)) {
	f.invoke(f.combined, call)
	for i := 0; i < f.count; i++ {
		f.invoke(f.transient[i], call)
	}
}

// invoke isolates a single listener's panic, logs it at debug, and never
// lets it propagate into the driver (§4.6).
func (f *Fanout) invoke(h Hooks, call func(Hooks)) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Debug("listener panicked", corelog.Fields{"recovered": fmt.Sprint(r)})
		}
	}()
	call(h)
}

func (f *Fanout) RequestBegin(id, method, target string) {
	f.each(func(h Hooks) {
		if h.OnRequestBegin != nil {
			h.OnRequestBegin(id, method, target)
		}
	})
}

func (f *Fanout) BeforeDispatch(id string) {
	f.each(func(h Hooks) {
		if h.OnBeforeDispatch != nil {
			h.OnBeforeDispatch(id)
		}
	})
}

func (f *Fanout) AfterDispatch(id string) {
	f.each(func(h Hooks) {
		if h.OnAfterDispatch != nil {
			h.OnAfterDispatch(id)
		}
	})
}

func (f *Fanout) DispatchFailure(id string, err error) {
	f.each(func(h Hooks) {
		if h.OnDispatchFailure != nil {
			h.OnDispatchFailure(id, err)
		}
	})
}

func (f *Fanout) RequestContent(id string, n int) {
	f.each(func(h Hooks) {
		if h.OnRequestContent != nil {
			h.OnRequestContent(id, n)
		}
	})
}

func (f *Fanout) RequestContentEnd(id string) {
	f.each(func(h Hooks) {
		if h.OnRequestContentEnd != nil {
			h.OnRequestContentEnd(id)
		}
	})
}

func (f *Fanout) RequestTrailers(id string) {
	f.each(func(h Hooks) {
		if h.OnRequestTrailers != nil {
			h.OnRequestTrailers(id)
		}
	})
}

func (f *Fanout) RequestEnd(id string) {
	f.each(func(h Hooks) {
		if h.OnRequestEnd != nil {
			h.OnRequestEnd(id)
		}
	})
}

func (f *Fanout) RequestFailure(id string, err error) {
	f.each(func(h Hooks) {
		if h.OnRequestFailure != nil {
			h.OnRequestFailure(id, err)
		}
	})
}

func (f *Fanout) ResponseBegin(id string, status int) {
	f.each(func(h Hooks) {
		if h.OnResponseBegin != nil {
			h.OnResponseBegin(id, status)
		}
	})
}

func (f *Fanout) ResponseCommit(id string) {
	f.each(func(h Hooks) {
		if h.OnResponseCommit != nil {
			h.OnResponseCommit(id)
		}
	})
}

func (f *Fanout) ResponseContent(id string, n int) {
	f.each(func(h Hooks) {
		if h.OnResponseContent != nil {
			h.OnResponseContent(id, n)
		}
	})
}

func (f *Fanout) ResponseEnd(id string) {
	f.each(func(h Hooks) {
		if h.OnResponseEnd != nil {
			h.OnResponseEnd(id)
		}
	})
}

func (f *Fanout) ResponseFailure(id string, err error) {
	f.each(func(h Hooks) {
		if h.OnResponseFailure != nil {
			h.OnResponseFailure(id, err)
		}
	})
}

func (f *Fanout) Complete(id string) {
	f.each(func(h Hooks) {
		if h.OnComplete != nil {
			h.OnComplete(id)
		}
	})
}
