package channel

import (
	"strconv"
	"strings"

	"github.com/badu/channeld/hdr"
)

// removeKeepAliveTokens implements the HTTP/1.0 half of the §6 persistence
// rule: strip "keep-alive" tokens from Connection.
func removeKeepAliveTokens(h map[string][]string) {
	vals, ok := h[hdr.Connection]
	if !ok {
		return
	}
	kept := vals[:0]
	for _, v := range vals {
		var parts []string
		for _, tok := range strings.Split(v, ",") {
			if !strings.EqualFold(strings.TrimSpace(tok), "keep-alive") {
				parts = append(parts, strings.TrimSpace(tok))
			}
		}
		if len(parts) > 0 {
			kept = append(kept, strings.Join(parts, ", "))
		}
	}
	if len(kept) == 0 {
		delete(h, hdr.Connection)
		return
	}
	h[hdr.Connection] = kept
}

// addConnectionClose implements the HTTP/1.1 half of the §6 persistence
// rule: ensure Connection carries "close".
func addConnectionClose(h map[string][]string) {
	for _, v := range h[hdr.Connection] {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "close") {
				return
			}
		}
	}
	h[hdr.Connection] = append(h[hdr.Connection], "close")
}

func contentLength(h map[string][]string) int64 {
	v, ok := hasContentLengthValue(h)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func hasContentLength(h map[string][]string) bool {
	_, ok := hasContentLengthValue(h)
	return ok
}

func hasContentLengthValue(h map[string][]string) (string, bool) {
	vals, ok := h[hdr.ContentLength]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}
