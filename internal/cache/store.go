// Package cache provides expiring key/value stores for completed results.
package cache

import (
	"context"
	"time"
)

// Store is a byte-level cache with per-entry expiry.
type Store interface {
	// Get returns the value for key. Expired entries are reported as a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous entry and its expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Sweeper is implemented by stores that need expired entries removed actively.
type Sweeper interface {
	Sweep() int
}
