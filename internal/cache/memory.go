package cache

import (
	"bytes"
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// defaultCleanupInterval is how often expired entries are purged.
const defaultCleanupInterval = 10 * time.Minute

// MemoryCache is an in-process cache. Entries are only visible to the
// process that wrote them.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache creates an in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{c: gocache.New(gocache.NoExpiration, defaultCleanupInterval)}
}

func (m *MemoryCache) Match(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v.([]byte)), true, nil
}

func (m *MemoryCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, bytes.Clone(value), ttl)
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.c.Delete(key)
	return nil
}
