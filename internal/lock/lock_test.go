package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/lock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	a := lock.NewRedisLocker(client, "fileflow:lock:")
	b := lock.NewRedisLocker(client, "fileflow:lock:")

	ok, err := a.TryLock(ctx, "outbox", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx, "outbox", 30*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	locked, err := a.IsLocked(ctx, "outbox")
	require.NoError(t, err)
	assert.True(t, locked)

	assert.ErrorIs(t, b.Unlock(ctx, "outbox"), lock.ErrNotHeld)
	require.NoError(t, a.Unlock(ctx, "outbox"))

	ok, err = b.TryLock(ctx, "outbox", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	a := lock.NewRedisLocker(client, "")
	b := lock.NewRedisLocker(client, "")

	ok, err := a.TryLock(ctx, "job", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.TryLock(ctx, "job", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is free")

	assert.ErrorIs(t, a.Unlock(ctx, "job"), lock.ErrNotHeld, "must not release b's lock")
	locked, err := b.IsLocked(ctx, "job")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	a := lock.NewRedisLocker(client, "")
	b := lock.NewRedisLocker(client, "")

	ok, err := a.TryLock(ctx, "job", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(60 * time.Millisecond)
		a.Unlock(ctx, "job")
	}()

	ok, err = b.TryLock(ctx, "job", 2*time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := lock.NewLocalLocker(clk)

	ok, err := l.TryLock(ctx, "k", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryLock(ctx, "k", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(2 * time.Minute)
	assert.ErrorIs(t, l.Unlock(ctx, "k"), lock.ErrNotHeld, "lease lapsed")

	ok, err = l.TryLock(ctx, "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Unlock(ctx, "k"))
}
