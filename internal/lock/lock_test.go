package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"restocost/backend/internal/domain"
)

func TestMemoryLockExcludesSameKey(t *testing.T) {
	ctx := context.Background()
	acq := NewAcquirer(NewMemory(), Options{Wait: 20 * time.Millisecond, Attempts: 2})

	first, err := acq.Acquire(ctx, "ingredient:lime")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = acq.Acquire(ctx, "ingredient:lime")
	var timeout domain.LockTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if timeout.Key != "ingredient:lime" || timeout.Attempts != 2 {
		t.Fatalf("unexpected timeout detail: %+v", timeout)
	}
	if !domain.IsRetryable(err) {
		t.Fatalf("lock timeout must be retryable")
	}

	if _, err := acq.Acquire(ctx, "ingredient:rice"); err != nil {
		t.Fatalf("other key must not block: %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected double release to report not held, got %v", err)
	}
	if _, err := acq.Acquire(ctx, "ingredient:lime"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	acq := NewAcquirer(NewMemory(), Options{})
	if _, err := acq.Acquire(ctx, "ingredient:lime"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestAcquireAllSerializesOverlappingSets(t *testing.T) {
	ctx := context.Background()
	acq := NewAcquirer(NewMemory(), Options{Wait: time.Second, Attempts: 5})

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		keys := []string{"ingredient:rice", "ingredient:chili", "ingredient:rice"}
		if i%2 == 1 {
			keys = []string{"ingredient:chili", "ingredient:rice"}
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			held, err := acq.AcquireAll(ctx, keys)
			if err != nil {
				t.Errorf("acquire all: %v", err)
				return
			}
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("expected exclusive section, found %d holders", n)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := held.Release(ctx); err != nil {
				t.Errorf("release: %v", err)
			}
		}(keys)
	}
	wg.Wait()
}

func TestAcquireAllReleasesOnFailure(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	acq := NewAcquirer(mem, Options{Wait: 10 * time.Millisecond, Attempts: 1})

	blocker, err := acq.Acquire(ctx, "ingredient:rice")
	if err != nil {
		t.Fatalf("acquire blocker: %v", err)
	}
	if _, err := acq.AcquireAll(ctx, []string{"ingredient:rice", "ingredient:chili"}); err == nil {
		t.Fatalf("expected failure while rice is held")
	}
	if _, err := acq.Acquire(ctx, "ingredient:chili"); err != nil {
		t.Fatalf("chili must be released after failed AcquireAll: %v", err)
	}
	_ = blocker.Release(ctx)
}

func TestHeldRefreshReportsLostLease(t *testing.T) {
	ctx := context.Background()
	acq := NewAcquirer(NewMemory(), Options{Wait: 10 * time.Millisecond, Attempts: 1})

	held, err := acq.AcquireAll(ctx, []string{"ingredient:rice", "ingredient:chili"})
	if err != nil {
		t.Fatalf("acquire all: %v", err)
	}
	if err := held.Refresh(ctx); err != nil {
		t.Fatalf("refresh of live locks: %v", err)
	}

	// chili sorts first; losing it must block the commit.
	_ = held.locks[0].Release(ctx)
	var timeout domain.LockTimeoutError
	if err := held.Refresh(ctx); !errors.As(err, &timeout) || timeout.Key != "ingredient:chili" {
		t.Fatalf("expected lost lease on chili, got %v", err)
	}
	if !domain.IsRetryable(held.Refresh(ctx)) {
		t.Fatalf("lost lease must be retryable")
	}
	_ = held.Release(ctx)
}

func TestRedisProvider(t *testing.T) {
	addr := os.Getenv("RESTOCOST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set RESTOCOST_TEST_REDIS_ADDR to run redis lock test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	ctx := context.Background()
	acq := NewAcquirer(NewRedis(rdb), Options{TTL: 5 * time.Second, Wait: 50 * time.Millisecond, Attempts: 2})
	key := "it:" + time.Now().Format(time.RFC3339Nano)

	held, err := acq.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var timeout domain.LockTimeoutError
	if _, err := acq.Acquire(ctx, key); !errors.As(err, &timeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if err := held.Refresh(ctx, time.Second); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	short := NewAcquirer(NewRedis(rdb), Options{TTL: 100 * time.Millisecond, Wait: 50 * time.Millisecond, Attempts: 1})
	lease, err := short.AcquireAll(ctx, []string{key})
	if err != nil {
		t.Fatalf("acquire short lease: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := lease.Refresh(ctx); !errors.As(err, &timeout) {
		t.Fatalf("expected expired lease to be reported, got %v", err)
	}
}
