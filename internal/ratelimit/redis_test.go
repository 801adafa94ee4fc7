package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, limit, window, ""), mr
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	l, _ := newRedisLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "alice", time.Now())
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, retryAfter, err := l.Allow(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRedisLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = l.Allow(ctx, "bob", time.Now())
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLimiter_WindowExpires(t *testing.T) {
	l, mr := newRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.False(t, allowed)

	mr.FastForward(time.Minute + time.Second)

	allowed, _, err = l.Allow(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, allowed, "expired window permits again")
}

func TestRedisLimiter_PrefixesKeys(t *testing.T) {
	l, mr := newRedisLimiter(t, 5, time.Minute)

	_, _, err := l.Allow(context.Background(), "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, mr.Exists("resale:rl:alice"))
}

func TestRedisLimiter_ErrorSurfaces(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedis(client, 1, time.Minute, "")

	mr.Close()

	_, _, err := l.Allow(context.Background(), "alice", time.Now())
	assert.Error(t, err)
}
