package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when using a notifier after Close.
var ErrClosed = errors.New("notifier is closed")

const listenerBuffer = 64

// Memory is an in-process Notifier. Suitable for tests and for
// single-process deployments on ledgers without a native channel.
type Memory struct {
	mu        sync.Mutex
	listeners map[int]chan string
	nextID    int
	closed    atomic.Bool
}

// NewMemory creates an in-process notifier.
func NewMemory() *Memory {
	return &Memory{listeners: make(map[int]chan string)}
}

// Notify fans the hint out to all listeners. Listeners with a full buffer
// are skipped; they will pick the event up on their next poll.
func (m *Memory) Notify(_ context.Context, eventID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.listeners {
		select {
		case ch <- eventID:
		default:
		}
	}
	return nil
}

// Listen registers a new listener.
func (m *Memory) Listen(_ context.Context) (<-chan string, func(), error) {
	if m.closed.Load() {
		return nil, nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan string, listenerBuffer)
	m.listeners[id] = ch

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.listeners[id]; ok {
			delete(m.listeners, id)
			close(existing)
		}
	}
	return ch, unsubscribe, nil
}

// Close shuts down all listeners. Idempotent.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ch := range m.listeners {
		delete(m.listeners, id)
		close(ch)
	}
	return nil
}
