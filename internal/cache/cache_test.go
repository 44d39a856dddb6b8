package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "gypsum:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func caches(t *testing.T, fn func(t *testing.T, c Cache)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryCache())
	})
	t.Run("redis", func(t *testing.T) {
		c, _ := newTestRedisCache(t)
		fn(t, c)
	})
}

func TestCachePutMatchDelete(t *testing.T) {
	caches(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		_, ok, err := c.Match(ctx, "latest:test/blob")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.Put(ctx, "latest:test/blob", []byte("v1"), time.Minute))

		v, ok, err := c.Match(ctx, "latest:test/blob")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v1", string(v))

		require.NoError(t, c.Delete(ctx, "latest:test/blob"))
		require.NoError(t, c.Delete(ctx, "latest:test/blob"))

		_, ok, err = c.Match(ctx, "latest:test/blob")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, ok, err := c.Match(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheExpiry(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), 5*time.Minute))
	assert.True(t, mr.Exists("gypsum:k"))

	mr.FastForward(6 * time.Minute)

	_, ok, err := c.Match(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	value := []byte("v1")
	require.NoError(t, c.Put(ctx, "k", value, time.Minute))
	value[0] = 'x'

	got, _, err := c.Match(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}
