package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "restocost:lock:"

// Redis shares locks between processes that use the same store.
type Redis struct {
	client *redislock.Client
	poll   time.Duration
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{client: redislock.New(rdb), poll: 25 * time.Millisecond}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l, err := r.client.Obtain(ctx, redisKeyPrefix+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.poll),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNotObtained
		}
		return nil, err
	}
	return &redisLock{lock: l}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

func (l *redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrNotHeld
	}
	return err
}

func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrNotHeld
	}
	return err
}
