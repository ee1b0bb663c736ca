// Package lock provides time-bounded distributed mutual exclusion on Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned when another holder owns the key.
	ErrNotAcquired = errors.New("lock: not acquired")

	// ErrNotHeld is returned when releasing a lease that already expired or
	// was taken over.
	ErrNotHeld = errors.New("lock: not held")
)

// Lease is a held lock. Release only deletes the key if it still carries
// this lease's token.
type Lease interface {
	Key() string
	Token() string
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// RedisLocker implements Locker with redislock (SET NX PX with a random
// token, Lua compare-and-delete on release).
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

// NewRedisLocker creates a locker. Keys are namespaced under "lock:".
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: "lock:"}
}

// Acquire makes a single attempt; it never waits for the current holder.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lk, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotAcquired
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return &redisLease{lock: lk}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (r *redisLease) Key() string   { return r.lock.Key() }
func (r *redisLease) Token() string { return r.lock.Token() }

func (r *redisLease) Release(ctx context.Context) error {
	err := r.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrNotHeld
	}
	return err
}

// UploadKey is the lock key for one upload.
func UploadKey(uploadID string) string {
	return "upload:" + uploadID
}
