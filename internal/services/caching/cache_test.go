package caching

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, c.Delete(ctx, "a"))
	_, ok, err = c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemory()
	exerciseCache(t, c)
	require.NoError(t, c.Close())
	_, _, err := c.Get(context.Background(), "a")
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	_, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = c.Get(ctx, "k")
	require.False(t, ok)
	keys, _ := c.Keys(ctx)
	require.Empty(t, keys)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "app:"})
	require.NoError(t, err)
	defer c.Close()

	exerciseCache(t, c)
	require.True(t, mr.Exists("app:cache:b"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := c.Get(context.Background(), "b")
	require.NoError(t, err)
	require.False(t, ok)
}
