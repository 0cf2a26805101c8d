package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"restocost/backend/internal/domain"
	"restocost/backend/internal/logging"
	"restocost/backend/internal/xid"
)

var ErrClosed = errors.New("cache is shut down")

// Loader fetches the authoritative value for one key.
type Loader func(ctx context.Context) (any, error)

type Options struct {
	TTL          time.Duration
	LoadAttempts int
	RetryDelay   time.Duration
	LoadTimeout  time.Duration
	Now          func() time.Time
	Bus          Bus
	Logger       logrus.FieldLogger
	// Permanent reports loader errors that must not be retried or masked by
	// a stale entry.
	Permanent func(error) bool
}

// Result is a cached value plus the staleness marker when it was served
// after a failed refresh.
type Result struct {
	Value    any
	LoadedAt time.Time
	Stale    *domain.StaleDataWarning
}

func (r Result) Warnings() []domain.Warning {
	if r.Stale == nil {
		return nil
	}
	return []domain.Warning{r.Stale.Warning()}
}

type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Loads   int64 `json:"loads"`
	Stale   int64 `json:"stale"`
}

type entry struct {
	value    any
	loadedAt time.Time
	ttl      time.Duration
}

// Cache is a read-through TTL cache. Concurrent misses on one key share one
// load, and an invalidation always beats an in-flight load.
type Cache struct {
	ttl         time.Duration
	attempts    int
	retryDelay  time.Duration
	loadTimeout time.Duration
	now         func() time.Time
	permanent   func(error) bool
	bus         Bus
	origin      string
	log         *logrus.Entry

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]entry
	gens     map[string]uint64
	inflight map[string]int
	stats    Stats
	closed   bool
	sub      Subscription
}

func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.LoadAttempts < 1 {
		opts.LoadAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Bus == nil {
		opts.Bus = NoopBus{}
	}
	if opts.Permanent == nil {
		opts.Permanent = domain.IsBusinessRule
	}
	return &Cache{
		ttl:         opts.TTL,
		attempts:    opts.LoadAttempts,
		retryDelay:  opts.RetryDelay,
		loadTimeout: opts.LoadTimeout,
		now:         opts.Now,
		permanent:   opts.Permanent,
		bus:         opts.Bus,
		origin:      xid.New("cache"),
		log:         logging.Component(opts.Logger, "cache"),
		entries:     make(map[string]entry),
		gens:        make(map[string]uint64),
		inflight:    make(map[string]int),
	}
}

// GetOrLoad returns the live entry for key or loads it. A ttl of zero uses
// the cache default.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) (Result, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, ErrClosed
	}
	if e, ok := c.entries[key]; ok && c.now().Sub(e.loadedAt) < e.ttl {
		c.stats.Hits++
		c.mu.Unlock()
		return Result{Value: e.value, LoadedAt: e.loadedAt}, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		return c.populate(ctx, key, ttl, loader)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Cache) populate(ctx context.Context, key string, ttl time.Duration, loader Loader) (any, error) {
	c.mu.Lock()
	gen := c.gens[key]
	c.inflight[key]++
	c.stats.Loads++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[key]--; c.inflight[key] <= 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	loadCtx := context.WithoutCancel(ctx)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxInterval = c.retryDelay * 8

	value, err := backoff.Retry(loadCtx, func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(loadCtx, c.loadTimeout)
		defer cancel()
		v, err := loader(attemptCtx)
		if err != nil && c.permanent(err) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.attempts)))

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.permanent(err) {
			return nil, err
		}
		if e, ok := c.entries[key]; ok {
			warning := domain.StaleDataWarning{Key: key, Age: now.Sub(e.loadedAt)}
			c.stats.Stale++
			c.log.WithFields(logrus.Fields{"key": key, "age": warning.Age.String()}).WithError(err).Warn("serving stale entry")
			return Result{Value: e.value, LoadedAt: e.loadedAt, Stale: &warning}, nil
		}
		c.log.WithField("key", key).WithError(err).Error("load failed")
		return nil, domain.BackendUnavailableError{Key: key, Err: err}
	}

	if c.gens[key] == gen && !c.closed {
		c.entries[key] = entry{value: value, loadedAt: now, ttl: ttl}
	}
	return Result{Value: value, LoadedAt: now}, nil
}

// Invalidate drops key locally and tells peer processes to do the same.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.dropKeys(func(k string) bool { return k == key }, key)
	c.publish(ctx, Invalidation{Key: key})
}

// InvalidatePrefix drops every key starting with prefix, including keys whose
// load is still in flight.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	c.dropKeys(func(k string) bool { return strings.HasPrefix(k, prefix) }, "")
	c.publish(ctx, Invalidation{Prefix: prefix})
}

func (c *Cache) dropKeys(match func(string) bool, exact string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := make(map[string]struct{})
	if exact != "" {
		targets[exact] = struct{}{}
	}
	for k := range c.entries {
		if match(k) {
			targets[k] = struct{}{}
		}
	}
	for k := range c.inflight {
		if match(k) {
			targets[k] = struct{}{}
		}
	}
	for k := range targets {
		c.gens[k]++
		delete(c.entries, k)
		c.group.Forget(k)
	}
}

func (c *Cache) publish(ctx context.Context, msg Invalidation) {
	msg.Origin = c.origin
	if err := c.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		c.log.WithFields(logrus.Fields{"key": msg.Key, "prefix": msg.Prefix}).WithError(err).Warn("publish invalidation failed")
	}
}

// Listen applies invalidations published by other processes until Shutdown.
func (c *Cache) Listen(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, func(msg Invalidation) {
		if msg.Origin == c.origin {
			return
		}
		switch {
		case msg.Key != "":
			c.dropKeys(func(k string) bool { return k == msg.Key }, msg.Key)
		case msg.Prefix != "":
			c.dropKeys(func(k string) bool { return strings.HasPrefix(k, msg.Prefix) }, "")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe invalidations: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// Shutdown stops the invalidation listener and drops every entry. Loads
// still in flight finish but are not stored.
func (c *Cache) Shutdown() error {
	c.mu.Lock()
	c.closed = true
	c.entries = make(map[string]entry)
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Get is the typed form of GetOrLoad.
func Get[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, []domain.Warning, error) {
	var zero T
	res, err := c.GetOrLoad(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		return zero, nil, err
	}
	val, ok := res.Value.(T)
	if !ok {
		return zero, nil, fmt.Errorf("cache entry %s holds %T", key, res.Value)
	}
	return val, res.Warnings(), nil
}

// Reload discards any entry for key and loads it again. It never serves a
// stale value; a failed load leaves the key empty.
func (c *Cache) Reload(ctx context.Context, key string, ttl time.Duration, loader Loader) (Result, error) {
	c.dropKeys(func(k string) bool { return k == key }, key)
	return c.GetOrLoad(ctx, key, ttl, loader)
}
