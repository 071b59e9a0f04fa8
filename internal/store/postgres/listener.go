package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/syntrixbase/relay/internal/notify"
)

const (
	listenMinReconnect = 10 * time.Second
	listenMaxReconnect = time.Minute
	listenerBuffer     = 64
)

// listenNotify implements notify.Notifier on PostgreSQL LISTEN/NOTIFY.
// One pq.Listener connection serves the whole process; subscribers get
// hints fanned out to buffered channels.
type listenNotify struct {
	db      *sql.DB
	uri     string
	channel string

	mu        sync.Mutex
	pl        *pq.Listener
	listeners map[int]chan string
	nextID    int

	closed atomic.Bool
}

var _ notify.Notifier = (*listenNotify)(nil)

func newListenNotify(db *sql.DB, uri, channel string) *listenNotify {
	return &listenNotify{
		db:        db,
		uri:       uri,
		channel:   channel,
		listeners: make(map[int]chan string),
	}
}

// Notify sends the event ID down the channel via pg_notify. Rides the
// regular connection pool, not the listener connection.
func (l *listenNotify) Notify(ctx context.Context, eventID string) error {
	if l.closed.Load() {
		return notify.ErrClosed
	}
	_, err := l.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", l.channel, eventID)
	if err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// Listen registers a subscriber, starting the shared LISTEN connection on
// first use.
func (l *listenNotify) Listen(ctx context.Context) (<-chan string, func(), error) {
	if l.closed.Load() {
		return nil, nil, notify.ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pl == nil {
		pl := pq.NewListener(l.uri, listenMinReconnect, listenMaxReconnect,
			func(ev pq.ListenerEventType, err error) {
				if err != nil {
					slog.Warn("Postgres listener event", "event", ev, "error", err)
				}
			})
		if err := pl.Listen(l.channel); err != nil {
			_ = pl.Close()
			return nil, nil, fmt.Errorf("failed to listen on %s: %w", l.channel, err)
		}
		l.pl = pl
		go l.fanout(pl)
	}

	id := l.nextID
	l.nextID++
	ch := make(chan string, listenerBuffer)
	l.listeners[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if existing, ok := l.listeners[id]; ok {
				delete(l.listeners, id)
				close(existing)
			}
		})
	}

	context.AfterFunc(ctx, unsubscribe)
	return ch, unsubscribe, nil
}

// fanout forwards notifications from the shared connection to every
// subscriber. A nil notification marks a reconnect; it is forwarded as an
// empty hint so subscribers re-check for work they may have missed.
func (l *listenNotify) fanout(pl *pq.Listener) {
	for n := range pl.Notify {
		hint := ""
		if n != nil {
			hint = n.Extra
		}

		l.mu.Lock()
		for _, ch := range l.listeners {
			select {
			case ch <- hint:
			default:
				// Buffer full; the subscriber polls anyway.
			}
		}
		l.mu.Unlock()
	}
}

// Close tears down the LISTEN connection and all subscriber channels.
func (l *listenNotify) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, ch := range l.listeners {
		delete(l.listeners, id)
		close(ch)
	}
	if l.pl != nil {
		return l.pl.Close()
	}
	return nil
}
