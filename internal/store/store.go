// Package store defines the durable event ledger: publish, claim-based
// subscription, ack/nack with retry backoff, replay and dead-letter
// management. Backends live in subpackages; Open selects one from
// configuration.
package store

import (
	"context"
	"time"

	stypes "github.com/syntrixbase/relay/internal/store/types"

	"github.com/syntrixbase/relay/internal/events"
)

// Store is the event ledger. All implementations guarantee that a published
// event is durable before any notification goes out, and that concurrent
// subscribers never claim the same record twice.
type Store interface {
	// Publish validates and durably persists the event, then wakes idle
	// subscribers. Storage failure is a hard error; nothing was persisted.
	Publish(ctx context.Context, evt events.Event) error

	// Subscribe returns a live feed of claimed events. Each claim cycle
	// atomically moves up to BatchSize eligible records to processing and
	// increments their attempt counters. When nothing is eligible the
	// subscriber sleeps until a notification arrives or the poll interval
	// elapses; the poll is mandatory so a lost notification can never stall
	// delivery. The channel closes when ctx is cancelled or the store closes.
	Subscribe(ctx context.Context, opts stypes.SubscribeOptions) (<-chan stypes.Delivery, error)

	// Ack settles a claim: processing -> completed. Acking an unknown token
	// returns ErrNotFound; a token already in a terminal state is a no-op.
	Ack(ctx context.Context, token string) error

	// Nack settles a claim as failed. The error message is always recorded.
	// With attempts left the record returns to pending after an exponential
	// backoff; otherwise it moves to dead_letter.
	Nack(ctx context.Context, token string, errMsg string) error

	// Replay streams events with created_at in [start, end) ascending,
	// regardless of status, to fn. A non-nil error from fn stops the replay.
	// Read-only and safely re-invokable.
	Replay(ctx context.Context, start, end time.Time, types []string, fn func(events.Event) error) error

	// DLQList returns dead-letter records, most recent first.
	DLQList(ctx context.Context, limit int) ([]stypes.Record, error)

	// DLQRetry moves a dead-letter record back to pending with
	// attempts=0 and a cleared error, making it immediately claimable.
	DLQRetry(ctx context.Context, id string) error

	// ReclaimStale returns processing records claimed before now-olderThan
	// to pending, recovering events orphaned by a crashed consumer.
	// Attempt counters are preserved. Returns the number of records reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Close stops notifications and releases backend resources.
	Close() error
}
