// Package cache provides the short-TTL read cache shared across requests.
package cache

import (
	"context"
	"time"
)

// Cache stores small byte values with a time-to-live.
type Cache interface {
	// Match returns the cached value for key and whether it was present.
	Match(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key for ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete evicts key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
