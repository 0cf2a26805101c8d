package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/domain"
	"restocost/backend/internal/logging"
)

var (
	ErrNotObtained = errors.New("lock not obtained")
	ErrNotHeld     = errors.New("lock not held")
)

// Lock is an exclusive section held on one key. Refresh extends the lease to
// ttl from now and fails with ErrNotHeld once the lease has been lost.
type Lock interface {
	Release(ctx context.Context) error
	Refresh(ctx context.Context, ttl time.Duration) error
}

// Provider hands out exclusive per-key locks. Acquire blocks until the lock
// is held or ctx is done, in which case it returns ErrNotObtained.
type Provider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Options struct {
	TTL      time.Duration
	Wait     time.Duration
	Attempts int
	Logger   logrus.FieldLogger
}

// Acquirer retries a provider with exponential backoff between bounded
// attempts and reports exhaustion as domain.LockTimeoutError.
type Acquirer struct {
	provider Provider
	ttl      time.Duration
	wait     time.Duration
	attempts int
	log      *logrus.Entry
}

func NewAcquirer(provider Provider, opts Options) *Acquirer {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 200 * time.Millisecond
	}
	if opts.Attempts < 1 {
		opts.Attempts = 5
	}
	return &Acquirer{
		provider: provider,
		ttl:      opts.TTL,
		wait:     opts.Wait,
		attempts: opts.Attempts,
		log:      logging.Component(opts.Logger, "lock"),
	}
}

func (a *Acquirer) Acquire(ctx context.Context, key string) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.wait / 4
	policy.MaxInterval = a.wait * 4

	tries := 0
	held, err := backoff.Retry(ctx, func() (Lock, error) {
		tries++
		attemptCtx, cancel := context.WithTimeout(ctx, a.wait)
		defer cancel()
		return a.provider.Acquire(attemptCtx, key, a.ttl)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(a.attempts)))
	if err == nil {
		return held, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrNotObtained) {
		a.log.WithFields(logrus.Fields{"key": key, "attempts": tries}).Warn("lock wait exhausted")
		return nil, domain.LockTimeoutError{Key: key, Attempts: tries}
	}
	return nil, fmt.Errorf("acquire %s: %w", key, err)
}

// Held is a set of locks taken together.
type Held struct {
	keys  []string
	locks []Lock
	ttl   time.Duration
}

// Refresh renews every lease before a commit. A lease that already expired
// means another holder may have entered the section, so the caller must not
// write; that case is reported as domain.LockTimeoutError.
func (h *Held) Refresh(ctx context.Context) error {
	for i, l := range h.locks {
		if err := l.Refresh(ctx, h.ttl); err != nil {
			if errors.Is(err, ErrNotHeld) {
				return fmt.Errorf("lease on %s lost: %w", h.keys[i], domain.LockTimeoutError{Key: h.keys[i], Attempts: 1})
			}
			return fmt.Errorf("refresh %s: %w", h.keys[i], err)
		}
	}
	return nil
}

// Release frees every lock in reverse acquisition order.
func (h *Held) Release(ctx context.Context) error {
	var errs []error
	for i := len(h.locks) - 1; i >= 0; i-- {
		if err := h.locks[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.locks = nil
	h.keys = nil
	return errors.Join(errs...)
}

// AcquireAll locks every distinct key in sorted order. On failure the locks
// already taken are released before returning.
func (a *Acquirer) AcquireAll(ctx context.Context, keys []string) (*Held, error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	held := &Held{keys: make([]string, 0, len(sorted)), locks: make([]Lock, 0, len(sorted)), ttl: a.ttl}
	for _, key := range sorted {
		l, err := a.Acquire(ctx, key)
		if err != nil {
			_ = held.Release(context.WithoutCancel(ctx))
			return nil, err
		}
		held.keys = append(held.keys, key)
		held.locks = append(held.locks, l)
	}
	return held, nil
}
