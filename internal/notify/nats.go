package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject is used when no subject is configured.
const DefaultNATSSubject = "relay.events.published"

// NATSNew is a variable to allow mocking the connection in tests.
var NATSNew = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

// NATS broadcasts wake-up hints over a core NATS subject. Used when the
// ledger backend has no native notification channel (Mongo, memory) but
// multiple consumer processes need low-latency wakeups.
type NATS struct {
	nc      *nats.Conn
	subject string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS connects to the given NATS URL.
func NewNATS(url, subject string) (*NATS, error) {
	if subject == "" {
		subject = DefaultNATSSubject
	}

	nc, err := NATSNew(url,
		nats.Name("relay-notify"),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATS{nc: nc, subject: subject}, nil
}

// Notify publishes the event ID. Core NATS is fire-and-forget, which matches
// the advisory contract.
func (n *NATS) Notify(_ context.Context, eventID string) error {
	if n.nc.IsClosed() {
		return ErrClosed
	}
	if err := n.nc.Publish(n.subject, []byte(eventID)); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Listen subscribes to the wake-up subject.
func (n *NATS) Listen(ctx context.Context) (<-chan string, func(), error) {
	if n.nc.IsClosed() {
		return nil, nil, ErrClosed
	}

	ch := make(chan string, listenerBuffer)
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		select {
		case ch <- string(msg.Data):
		default:
			// Buffer full; the listener polls anyway.
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(ch)
		})
	}

	context.AfterFunc(ctx, unsubscribe)
	return ch, unsubscribe, nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
	n.mu.Unlock()

	if !n.nc.IsClosed() {
		n.nc.Close()
	}
	return nil
}
