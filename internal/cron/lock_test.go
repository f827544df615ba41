package cron

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell/agent-billing/pkg/redis"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: server.Addr()}))
	locker, err := NewRedisLocker(client, time.Minute)
	require.NoError(t, err)
	return locker, server
}

func TestRedisLockerExcludesConcurrentOwners(t *testing.T) {
	locker, server := newLocker(t)
	ctx := context.Background()

	first, second, other := locker.For("reconcile"), locker.For("reconcile"), locker.For("rollover")

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must wait")
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per job")

	holder, err := server.Get("pixell:lock:cron:reconcile")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(holder, locker.identity+"/"), holder)

	require.NoError(t, second.Release(ctx), "releasing an unacquired lease is a no-op")
	ok, _ = second.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiresAndReportsLoss(t *testing.T) {
	locker, server := newLocker(t)
	ctx := context.Background()

	stale := locker.For("job")
	ok, _ := stale.Acquire(ctx)
	require.True(t, ok)
	server.FastForward(2 * time.Minute)

	fresh := locker.For("job")
	ok, _ = fresh.Acquire(ctx)
	require.True(t, ok, "lease lapses after ttl")

	assert.ErrorIs(t, stale.Release(ctx), ErrLockLost)
	assert.True(t, server.Exists("pixell:lock:cron:job"), "stale holder must not delete the new lease")
	assert.NoError(t, fresh.Release(ctx))
}
