package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = 2 * time.Hour

// ErrLockLost is returned by Release when the lease expired and another
// worker may have taken the job over.
var ErrLockLost = errors.New("cron lock expired before release")

// Lock coordinates exclusive runs of one job across workers.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Locker hands out the lock guarding a named job.
type Locker interface {
	For(job string) Lock
}

type leaseStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	LockKey(name string) string
}

// RedisLocker leases job locks from Redis. A crashed worker's lease lapses
// after ttl.
type RedisLocker struct {
	store    leaseStore
	ttl      time.Duration
	identity string
}

func NewRedisLocker(store leaseStore, ttl time.Duration) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &RedisLocker{store: store, ttl: ttl, identity: fmt.Sprintf("%s/%d", host, os.Getpid())}, nil
}

func (l *RedisLocker) For(job string) Lock {
	return &lease{locker: l, key: l.store.LockKey("cron:" + job)}
}

// lease is one acquisition attempt. The token names the holding process so
// a stuck lock can be traced with GET.
type lease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (l *lease) Acquire(ctx context.Context) (bool, error) {
	token := l.locker.identity + "/" + uuid.NewString()
	ok, err := l.locker.store.SetNX(ctx, l.key, token, l.locker.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release is a no-op for a lease that was never acquired.
func (l *lease) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	deleted, err := l.locker.store.CompareAndDelete(ctx, l.key, token)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if !deleted {
		return ErrLockLost
	}
	return nil
}
