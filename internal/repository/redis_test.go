package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chrischrischristianyijin/quest-digest/internal/config"
)

// setupTestRedis starts a disposable Redis container and dials a
// RedisCache against it.
func setupTestRedis(t *testing.T) (*RedisCache, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := redis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	cache, err := NewRedisCache(ctx, config.RedisConfig{
		URL: fmt.Sprintf("redis://%s:%s/0", host, port.Port()),
	})
	require.NoError(t, err)

	cleanup := func() {
		cache.Close()
		_ = container.Terminate(ctx)
	}
	return cache, cleanup
}

func TestRedisCache_GetSetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cache, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	_, err := cache.Get(ctx, "missing-key")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.Set(ctx, "k1", "v1", time.Minute))
	val, err := cache.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	require.NoError(t, cache.Delete(ctx, "k1"))
	_, err = cache.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCache_SetNXIsFirstWriteWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cache, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "token:abc", "user-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.SetNX(ctx, "token:abc", "user-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second SetNX on the same key must not overwrite the first")
}

func TestRedisCache_IncrementRateLimitExpiresAndResets(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cache, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	key := "webhook:provider-a"
	for i := int64(1); i <= 3; i++ {
		count, err := cache.IncrementRateLimit(ctx, key, 200*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	time.Sleep(300 * time.Millisecond)

	count, err := cache.IncrementRateLimit(ctx, key, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "the window must have expired and reset the counter")
}
