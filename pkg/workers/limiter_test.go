package workers_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/settled/pkg/workers"
)

func TestRedisLimiterBurstThenDeny(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := workers.NewRedisLimiterFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	// Burst of 2 at a slow refill: two allowed, third denied.
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "erp", 0.1, 2)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i)
	}
	ok, err := limiter.Allow(ctx, "erp", 0.1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// Another destination has its own bucket.
	ok, err = limiter.Allow(ctx, "warehouse", 0.1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterZeroRateUnlimited(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := workers.NewRedisLimiterFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	for i := 0; i < 10; i++ {
		ok, err := limiter.Allow(context.Background(), "erp", 0, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLocalLimiter(t *testing.T) {
	limiter := workers.NewLocalLimiter()
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "erp", 0.001, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "erp", 0.001, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "other", 0.001, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
