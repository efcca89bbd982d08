// Package config loads Channel Core tunables the way dmitrymomot/foundation's
// httpserver loads its own: a flat struct bound from the environment via
// struct tags, with defaults applied when a variable is unset.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Server holds the tunables the Channel driver and its collaborators
// consult. None of these are parsed here from wire bytes (out of scope,
// §1 Non-goals) -- they configure timing and accounting only.
type Server struct {
	// IdleTimeout is the Endpoint idle timeout restored at onCompleted
	// (§5 "oldIdleTimeout ... restored at onCompleted").
	IdleTimeout time.Duration `env:"CHANNELD_IDLE_TIMEOUT" envDefault:"30s"`

	// RequestIdleTimeout, when non-zero and different from IdleTimeout, is
	// applied for the duration of a single exchange (§5).
	RequestIdleTimeout time.Duration `env:"CHANNELD_REQUEST_IDLE_TIMEOUT" envDefault:"0s"`

	// AsyncDefaultTimeout is used by startAsync(event) when the caller
	// does not specify one explicitly (§4.1 startAsync).
	AsyncDefaultTimeout time.Duration `env:"CHANNELD_ASYNC_TIMEOUT" envDefault:"30s"`

	// MaxHeaderBytes bounds request-line + header size, mirroring the
	// teacher's DefaultMaxHeaderBytes.
	MaxHeaderBytes int `env:"CHANNELD_MAX_HEADER_BYTES" envDefault:"1048576"`

	// RequireDateHeader governs whether onRequest stamps a Date header
	// when absent (§6).
	RequireDateHeader bool `env:"CHANNELD_REQUIRE_DATE_HEADER" envDefault:"true"`

	// BadMessageCacheSize bounds the LRU of recent BadMessage counts, keyed
	// by remote address and status, kept by the ErrorPipeline (§2 domain
	// stack).
	BadMessageCacheSize int `env:"CHANNELD_BAD_MESSAGE_CACHE_SIZE" envDefault:"256"`
}

// Load reads Server from the process environment, applying envDefault tags
// for anything unset.
func Load() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}
