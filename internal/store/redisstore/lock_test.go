package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// needs a live redis, e.g. REDIS_TEST_ADDR=127.0.0.1:6379
func testStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	s := New(addr, "", 0, ttl)
	require.NoError(t, s.Ping(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTryAcquire(t *testing.T) {
	s := testStore(t, time.Minute)
	ctx := context.Background()
	id := uuid.NewString()

	release, ok, err := s.TryAcquire(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryAcquire(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release()

	release2, ok, err := s.TryAcquire(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestRelease_DoesNotFreeForeignLock(t *testing.T) {
	s := testStore(t, 50*time.Millisecond)
	ctx := context.Background()
	id := uuid.NewString()

	stale, ok, err := s.TryAcquire(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	long := NewWithClient(s.rdb, time.Minute)
	require.Eventually(t, func() bool {
		_, ok, err := long.TryAcquire(ctx, id)
		return err == nil && ok
	}, time.Second, 20*time.Millisecond)

	stale()
	_, ok, err = long.TryAcquire(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "streamchat:lock:session:abc", lockKey("abc"))
	assert.Equal(t, 5*time.Minute, NewWithClient(nil, 0).ttl)
}
