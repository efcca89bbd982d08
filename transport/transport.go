// Package transport declares the external collaborators the Channel Core
// consumes (§6): the wire codec, the socket abstraction, the scheduling
// primitives, the application entry points and the optional error handler.
// None of these are implemented here -- byte-level HTTP parsing/encoding,
// TLS and routing are out of scope (§1 Non-goals). A real embedder supplies
// concrete types; tests use fakes.
package transport

import (
	"context"
	"net"
	"time"
)

// RequestMeta carries everything known about a request line plus headers,
// immutable after onRequest except for trailers appended once (§3).
type RequestMeta struct {
	Method    string
	Target    string
	Proto     string
	Header    map[string][]string
	Trailer   map[string][]string
	ArrivedAt time.Time
}

// ResponseMeta is mutable until commit, frozen after (§3).
type ResponseMeta struct {
	Status int
	Reason string
	Header map[string][]string
}

// Chunk is a byte range plus the flags described in §3. Special chunks
// carry a terminal condition instead of data.
type Chunk struct {
	Data    []byte
	Last    bool
	Special bool
	Err     error // non-nil only when Special and the terminal condition is a failure.
}

// WriteCallback is invoked exactly once per Send, on success or failure.
type WriteCallback interface {
	Succeeded()
	Failed(err error)
}

// Transport is the byte-level collaborator: a parser/encoder the Channel
// Core drives but does not implement (§1, §6).
type Transport interface {
	// Send delivers a response chunk. meta is non-nil only on the commit
	// call (§4.3 OutputPipeline Commit protocol step 1).
	Send(req *RequestMeta, meta *ResponseMeta, chunk Chunk, last bool, cb WriteCallback)
	// Abort tells the transport to drop the connection immediately.
	Abort(err error)
	// OnCompleted is called once the exchange has fully completed.
	OnCompleted()
}

// Endpoint is the socket abstraction (§6).
type Endpoint interface {
	IdleTimeout() time.Duration
	SetIdleTimeout(d time.Duration)
	IsOpen() bool
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Executor reschedules the Channel loop on some worker (§6, §5).
type Executor interface {
	Execute(task func())
}

// Scheduler arranges one-shot timers for async timeouts (§6, §5).
type Scheduler interface {
	Schedule(d time.Duration, task func()) (cancel func() bool)
}

// Server exposes the two synchronous handler entry points the driver
// invokes for Dispatch and AsyncDispatch actions (§6).
type Server interface {
	Handle(ctx context.Context, ch any) error
	HandleAsync(ctx context.Context, ch any) error
}

// ErrorHandler is optional; when absent, the ErrorPipeline falls back to
// a minimal synthetic body (§4.5, §6).
type ErrorHandler interface {
	ErrorPageForMethod(method string) bool
	Handle(ctx context.Context, target string, req *RequestMeta, resp *ResponseMeta) ([]byte, error)
	BadMessageError(status int, reason string, outFields map[string][]string) []byte
}
