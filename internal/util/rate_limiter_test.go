package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWithinQuota(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(map[string]int{"api": 5}, nil)
	defer r.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.WaitIfNeeded(ctx, "api"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "requests within quota must not block")
}

func TestRateLimiterBlocksWhenFull(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(map[string]int{"api": 2}, nil)
	defer r.Close()

	_, ok := r.tryAcquire("api")
	require.True(t, ok)
	_, ok = r.tryAcquire("api")
	require.True(t, ok)

	wait, ok := r.tryAcquire("api")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestRateLimiterContextCancel(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(map[string]int{"api": 1}, nil)
	defer r.Close()

	require.NoError(t, r.WaitIfNeeded(context.Background(), "api"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.WaitIfNeeded(ctx, "api")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterIndependentKeys(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(map[string]int{"slow": 1, "fast": 100}, nil)
	defer r.Close()

	_, ok := r.tryAcquire("slow")
	require.True(t, ok)
	_, ok = r.tryAcquire("slow")
	require.False(t, ok)

	// The other endpoint's bucket is unaffected
	_, ok = r.tryAcquire("fast")
	assert.True(t, ok)
	assert.Equal(t, 2, r.BucketCount())
}

func TestRateLimiterUnknownKeyUsesDefault(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(nil, nil)
	defer r.Close()

	for i := 0; i < DefaultRequestsPerMinute; i++ {
		_, ok := r.tryAcquire("anything")
		require.True(t, ok)
	}
	_, ok := r.tryAcquire("anything")
	assert.False(t, ok)
}
