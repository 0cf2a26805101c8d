package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory serializes holders of the same key inside one process. The TTL is
// ignored; locks are held until released.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string]chan struct{})}
}

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[key] = s
	}
	return s
}

func (m *Memory) Acquire(ctx context.Context, key string, _ time.Duration) (Lock, error) {
	s := m.slot(key)
	select {
	case s <- struct{}{}:
		return &memoryLock{slot: s}, nil
	default:
	}
	select {
	case s <- struct{}{}:
		return &memoryLock{slot: s}, nil
	case <-ctx.Done():
		return nil, ErrNotObtained
	}
}

type memoryLock struct {
	once     sync.Once
	slot     chan struct{}
	released atomic.Bool
}

// Refresh only reports whether the lock is still held; memory locks have no
// lease to extend.
func (l *memoryLock) Refresh(context.Context, time.Duration) error {
	if l.released.Load() {
		return ErrNotHeld
	}
	return nil
}

func (l *memoryLock) Release(context.Context) error {
	released := false
	l.once.Do(func() {
		l.released.Store(true)
		<-l.slot
		released = true
	})
	if !released {
		return ErrNotHeld
	}
	return nil
}
