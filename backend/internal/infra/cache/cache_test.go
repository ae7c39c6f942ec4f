package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type view struct {
	Names []string `json:"names"`
	Total int      `json:"total"`
}

func TestRedisCacheRoundTripAndExpiry(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client, "test")
	ctx := context.Background()

	var got view
	hit, err := cache.Get(ctx, "rankings", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Set(ctx, "rankings", view{Names: []string{"Aria"}, Total: 1}, time.Minute))
	assert.True(t, srv.Exists("test:rankings"))

	hit, err = cache.Get(ctx, "rankings", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"Aria"}, got.Names)

	srv.FastForward(2 * time.Minute)
	hit, err = cache.Get(ctx, "rankings", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemoryCacheExpires(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "reviews", view{Total: 8}, time.Minute))

	var got view
	hit, err := cache.Get(ctx, "reviews", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 8, got.Total)

	now = now.Add(time.Minute)
	hit, err = cache.Get(ctx, "reviews", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestZeroTTLSkipsWrite(t *testing.T) {
	cache := NewMemoryCache()
	require.NoError(t, cache.Set(context.Background(), "k", view{Total: 1}, 0))

	var got view
	hit, err := cache.Get(context.Background(), "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}
