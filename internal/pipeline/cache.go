package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/cortexhub/creation-engine/internal/cache"
	"github.com/cortexhub/creation-engine/internal/metrics"
)

// DefaultCacheTTL is how long a completed result is reused.
const DefaultCacheTTL = time.Hour

// ResultCache stores completed results by fingerprint. Backend failures are
// logged and degrade to a miss or a skipped write.
type ResultCache struct {
	store  cache.Store
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewResultCache wraps store. A non-positive ttl selects DefaultCacheTTL.
func NewResultCache(store cache.Store, ttl time.Duration, prefix string, logger zerolog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if prefix == "" {
		prefix = cache.DefaultPrefix
	}
	return &ResultCache{store: store, ttl: ttl, prefix: prefix, logger: logger}
}

// Key returns the fingerprint for a creation kind and input.
func (c *ResultCache) Key(creationKind string, input []byte) string {
	return cache.Fingerprint(c.prefix, creationKind, input)
}

// Get returns a fresh copy of the cached result, if any.
func (c *ResultCache) Get(ctx context.Context, key string) (*Result, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return nil, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &res, true
}

// Put stores res under key. A non-positive ttl uses the cache default.
func (c *ResultCache) Put(ctx context.Context, key string, res *Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("failed to encode result")
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Sweep drops expired entries when the backend needs it.
func (c *ResultCache) Sweep() int {
	if s, ok := c.store.(cache.Sweeper); ok {
		return s.Sweep()
	}
	return 0
}

// Close closes the backend.
func (c *ResultCache) Close() error {
	return c.store.Close()
}
