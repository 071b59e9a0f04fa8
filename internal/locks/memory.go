package locks

import (
	"context"
	"sync"
)

// Memory is an in-process Locker. One buffered channel per scope acts as the
// mutex so acquisition can be abandoned when the context is cancelled.
type Memory struct {
	mu     sync.Mutex
	scopes map[string]chan struct{}
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{scopes: make(map[string]chan struct{})}
}

func (m *Memory) slot(scope string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.scopes[scope]
	if !ok {
		ch = make(chan struct{}, 1)
		m.scopes[scope] = ch
	}
	return ch
}

// Acquire blocks until the scope is free or ctx is done.
func (m *Memory) Acquire(ctx context.Context, scope string) error {
	select {
	case m.slot(scope) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the scope.
func (m *Memory) Release(scope string) error {
	select {
	case <-m.slot(scope):
		return nil
	default:
		return ErrNotHeld
	}
}

// IsLocked reports whether the scope is currently held.
func (m *Memory) IsLocked(scope string) bool {
	return len(m.slot(scope)) > 0
}

// Close is a no-op; the locker holds no external resources.
func (m *Memory) Close() error { return nil }
