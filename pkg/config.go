package pmemkv

// config.go defines Cache's internal configuration object and the
// functional options layer used to plug in ambient concerns (logging,
// metrics) without growing New's argument list. The two-phase
// construct-then-arm sequence required by spec.md §6 (New, SetSize,
// SetExtentSize, SetEvictionPolicy, Add) is deliberately kept separate
// from the options: options configure the Go-side ambient stack, the
// setters configure the pmemcache-specific knobs the C API exposed as
// free functions taking the cache handle.
//
// © 2025 pmemkv authors. MIT License.

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Policy selects the replacement policy a Cache evicts with, mirroring
// VMEMCACHE_REPLACEMENT_POLICY in vmemcache.h.
type Policy int

const (
	// PolicyLRU evicts the least-recently-used entry. Default.
	PolicyLRU Policy = iota
	// PolicyNone tracks no ordering; Evict(nil) always fails with
	// ErrNoEntry and the caller must name the exact key.
	PolicyNone
)

const (
	defaultSize       = int64(1 << 30) // 1 GiB
	defaultExtentSize = uint64(256)
	minSize           = int64(1 << 20) // 1 MiB, mirrors VMEMCACHE_MIN_POOL
)

// Option configures the ambient stack of a Cache at construction time.
type Option func(*config)

type config struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	// missTimeout is the deadline of the context a Get's miss handling
	// runs under (the on-miss-satisfies-get shortcut, spec.md §4.E step
	// 1): it is handed to the OnMiss callback, and a Get whose wait for
	// that callback ends after the deadline returns the context's error.
	missTimeout time.Duration
}

func defaultConfig() *config {
	return &config{
		logger:      zap.NewNop(),
		missTimeout: 30 * time.Second,
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default): the hot path then pays nothing for bookkeeping.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The cache only logs slow,
// infrequent events — opening the backing region in Add (success or
// failure) and a drain that stops early in Delete — never anything on the
// Put/Get hot path.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMissTimeout sets the miss-handling deadline (default 30s;
// non-positive values are ignored). A Get waiting on an OnMiss callback,
// its own or another goroutine's in-flight run for the same key, does not
// stop waiting when the deadline passes and does not start a callback of
// its own; once the wait ends after the deadline it returns the context's
// error.
func WithMissTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.missTimeout = d
		}
	}
}

func applyOptions(cfg *config, opts []Option) {
	for _, opt := range opts {
		opt(cfg)
	}
}
