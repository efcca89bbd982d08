// Package upgrade implements the checkAndPrepareUpgrade hook named in §4.4
// and the §9 open question about per-transport overriding: a concrete
// websocket upgrade path built on gorilla/websocket, grounded on
// dmitrymomot-foundation's direct dependency on that library.
package upgrade

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/badu/channeld/transport"
)

// Hijacker is the minimal capability the driver's net.Conn must expose for
// an upgrade to take over the connection (§4.4 "install an upgrade
// replacement connection").
type Hijacker interface {
	Hijack() (conn any, err error)
}

// Upgrader wraps gorilla/websocket's Upgrader and decides, from the request
// headers alone (no wire parsing -- that remains out of scope, §1), whether
// an exchange is an upgrade request.
type Upgrader struct {
	ws websocket.Upgrader
}

// New constructs an Upgrader with gorilla/websocket defaults plus the
// buffer sizes the teacher used for its own bufio buffers
// (bufferBeforeChunkingSize-sized, for texture parity with chunk_writer.go).
func New() *Upgrader {
	return &Upgrader{ws: websocket.Upgrader{ReadBufferSize: 2048, WriteBufferSize: 2048}}
}

// IsUpgradeRequest reports whether req carries the Connection: Upgrade /
// Upgrade: websocket header pair.
func IsUpgradeRequest(req *transport.RequestMeta) bool {
	return headerContainsToken(req.Header, "Connection", "upgrade") &&
		headerContainsToken(req.Header, "Upgrade", "websocket")
}

func headerContainsToken(h map[string][]string, key, token string) bool {
	for _, v := range h[key] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Prepare performs the websocket handshake over a hijacked net/http
// ResponseWriter. On success it returns the connection, which the
// websocket library owns from here on, and true. On a failed handshake it
// returns nil and false.
func (u *Upgrader) Prepare(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := u.ws.Upgrade(w, r, nil)
	if err != nil {
		return nil, false
	}
	return conn, true
}
