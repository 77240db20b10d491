package cache

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Service is the pluggable key/value cache used to keep hot configuration
// reads off the database. Both backends share the same semantics:
// a TTL of 0 seconds never expires, a nil TTL uses the service default, and
// expired entries are never visible to Get or Has even before they are
// physically purged.
type Service interface {
	// Get returns the cached value for key, or ok=false on a miss. Backend
	// read errors are swallowed and reported as a miss; the caller falls
	// back to the source of truth.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value under key. Write errors are propagated since they
	// indicate a correctness-relevant failure.
	Set(ctx context.Context, key string, value []byte, opts Options) error

	// Delete removes a single key.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry tagged with the given namespace, or wipes
	// the whole cache when namespace is empty.
	Clear(ctx context.Context, namespace string) error

	// Has reports whether key is present and unexpired.
	Has(ctx context.Context, key string) bool

	// Stop releases backend resources (sweep goroutine, connections).
	Stop()
}

// Options controls a single Set call.
type Options struct {
	// TTL in seconds. nil uses the service default; 0 never expires.
	TTL *int

	// Namespace tags the entry for bulk invalidation via Clear. By
	// convention keys are also prefixed "<namespace>:" so the remote
	// backend can clear by key-prefix scan.
	Namespace string
}

// TTL is a convenience for building Options with an explicit TTL.
func TTL(seconds int) *int { return &seconds }

// RemoteConfig holds connection parameters for the remote backend.
type RemoteConfig struct {
	Host     string
	Port     int
	Password string
}

// Config selects and parameterizes the cache backend. The decision is
// resolved once at startup, not per call.
type Config struct {
	DefaultTTL int // seconds; applied when a Set omits its TTL
	Provider   string
	Remote     RemoteConfig
}

const (
	ProviderMemory = "memory"
	ProviderRemote = "remote"
)

// New builds the process-wide cache from config. Selecting the remote
// provider without connection parameters falls back to the in-process
// backend; the fallback is logged rather than failing startup.
func New(cfg Config) Service {
	logger := log.With().Str("component", "cache").Logger()

	if cfg.Provider == ProviderRemote {
		if cfg.Remote.Host == "" {
			logger.Warn().Msg("remote cache selected without connection parameters, falling back to in-process backend")
			return newMemoryStore(cfg.DefaultTTL, defaultSweepInterval)
		}
		logger.Info().
			Str("host", cfg.Remote.Host).
			Int("port", cfg.Remote.Port).
			Msg("using remote cache backend")
		return newRedisStore(cfg)
	}

	logger.Info().Msg("using in-process cache backend")
	return newMemoryStore(cfg.DefaultTTL, defaultSweepInterval)
}
