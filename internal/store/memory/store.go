// Package memory implements the event ledger in process memory.
// It exists for tests and single-process development; it honors the full
// claim/ack/nack contract but durability ends with the process.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/notify"
	stypes "github.com/syntrixbase/relay/internal/store/types"
)

// Options configures the in-memory ledger.
type Options struct {
	Policy       stypes.RetryPolicy
	PollInterval time.Duration

	// Notifier distributes wake-up hints. Nil means a private in-process
	// notifier.
	Notifier notify.Notifier
}

// Store is an in-memory ledger.
type Store struct {
	mu      sync.Mutex
	records map[string]*stypes.Record

	policy       stypes.RetryPolicy
	pollInterval time.Duration
	notifier     notify.Notifier
	ownNotifier  bool

	closed atomic.Bool
	// done ends subscription loops when the store closes.
	done chan struct{}

	// now is swappable for deterministic time in tests.
	now func() time.Time
}

// New creates an in-memory ledger.
func New(opts Options) *Store {
	notifier := opts.Notifier
	own := false
	if notifier == nil {
		notifier = notify.NewMemory()
		own = true
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	return &Store{
		records:      make(map[string]*stypes.Record),
		policy:       opts.Policy,
		pollInterval: opts.PollInterval,
		notifier:     notifier,
		ownNotifier:  own,
		done:         make(chan struct{}),
		now:          time.Now,
	}
}

// Publish persists the event and wakes subscribers.
func (s *Store) Publish(ctx context.Context, evt events.Event) error {
	if s.closed.Load() {
		return stypes.ErrClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	now := s.now()

	s.mu.Lock()
	if _, exists := s.records[evt.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", stypes.ErrDuplicateID, evt.ID)
	}
	s.records[evt.ID] = &stypes.Record{
		Event:         evt,
		Status:        stypes.StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	s.mu.Unlock()

	if err := s.notifier.Notify(ctx, evt.ID); err != nil {
		slog.Debug("Event notification dropped", "event_id", evt.ID, "error", err)
	}
	return nil
}

// Subscribe returns a live feed of claimed events.
func (s *Store) Subscribe(ctx context.Context, opts stypes.SubscribeOptions) (<-chan stypes.Delivery, error) {
	if s.closed.Load() {
		return nil, stypes.ErrClosed
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	// Listen before the first claim so a publish between claim and wait
	// cannot be missed.
	hints, unsubscribe, err := s.notifier.Listen(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan stypes.Delivery)
	go func() {
		defer close(out)
		defer unsubscribe()

		timer := time.NewTimer(s.pollInterval)
		defer timer.Stop()

		for {
			claimed := s.claim(opts)
			for _, d := range claimed {
				select {
				case out <- d:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
			if len(claimed) > 0 {
				continue
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.pollInterval)

			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case _, ok := <-hints:
				if !ok {
					return
				}
			case <-timer.C:
				// Poll fallback for missed notifications and records that
				// became eligible by time.
			}
		}
	}()

	return out, nil
}

// claim atomically moves up to BatchSize eligible records to processing.
func (s *Store) claim(opts stypes.SubscribeOptions) []stypes.Delivery {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*stypes.Record
	for _, rec := range s.records {
		if rec.Status != stypes.StatusPending || rec.NextAttemptAt.After(now) {
			continue
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, rec.Event.Type) {
			continue
		}
		eligible = append(eligible, rec)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Event.Timestamp.Before(eligible[j].Event.Timestamp)
	})
	if len(eligible) > opts.BatchSize {
		eligible = eligible[:opts.BatchSize]
	}

	deliveries := make([]stypes.Delivery, 0, len(eligible))
	for _, rec := range eligible {
		claimedAt := now
		rec.Status = stypes.StatusProcessing
		rec.Attempts++
		rec.ClaimedAt = &claimedAt
		deliveries = append(deliveries, stypes.Delivery{Event: rec.Event, Token: rec.Event.ID})
	}
	return deliveries
}

// Ack marks the claimed event as completed.
func (s *Store) Ack(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return stypes.ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	processedAt := s.now()
	rec.Status = stypes.StatusCompleted
	rec.ProcessedAt = &processedAt
	rec.ClaimedAt = nil
	return nil
}

// Nack records the failure and either schedules a retry or dead-letters.
func (s *Store) Nack(_ context.Context, token string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return stypes.ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	rec.Error = errMsg
	rec.ClaimedAt = nil

	if s.policy.Exhausted(rec.Attempts) {
		rec.Status = stypes.StatusDeadLetter
		return nil
	}

	rec.Status = stypes.StatusPending
	rec.NextAttemptAt = s.now().Add(s.policy.Backoff(rec.Attempts))
	return nil
}

// Replay streams events created in [start, end) ascending to fn.
func (s *Store) Replay(ctx context.Context, start, end time.Time, types []string, fn func(events.Event) error) error {
	s.mu.Lock()
	var matched []*stypes.Record
	for _, rec := range s.records {
		if rec.CreatedAt.Before(start) || !rec.CreatedAt.Before(end) {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, rec.Event.Type) {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	for _, rec := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec.Event); err != nil {
			return err
		}
	}
	return nil
}

// DLQList returns dead-letter records, most recent first.
func (s *Store) DLQList(_ context.Context, limit int) ([]stypes.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	var dead []stypes.Record
	for _, rec := range s.records {
		if rec.Status == stypes.StatusDeadLetter {
			dead = append(dead, *rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(dead, func(i, j int) bool {
		return dead[i].CreatedAt.After(dead[j].CreatedAt)
	})
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// DLQRetry revives a dead-letter record for reprocessing.
func (s *Store) DLQRetry(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Status != stypes.StatusDeadLetter {
		s.mu.Unlock()
		return stypes.ErrNotFound
	}

	rec.Status = stypes.StatusPending
	rec.Attempts = 0
	rec.Error = ""
	rec.NextAttemptAt = s.now()
	s.mu.Unlock()

	if err := s.notifier.Notify(ctx, id); err != nil {
		slog.Debug("Event notification dropped", "event_id", id, "error", err)
	}
	return nil
}

// ReclaimStale returns orphaned processing records to pending.
func (s *Store) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, rec := range s.records {
		if rec.Status != stypes.StatusProcessing || rec.ClaimedAt == nil || rec.ClaimedAt.After(cutoff) {
			continue
		}
		rec.Status = stypes.StatusPending
		rec.NextAttemptAt = s.now()
		rec.ClaimedAt = nil
		reclaimed++
	}
	return reclaimed, nil
}

// Record returns a copy of the record for the given event ID.
// Test and inspection helper; not part of the Store interface.
func (s *Store) Record(id string) (stypes.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return stypes.Record{}, false
	}
	return *rec, true
}

// Close shuts the store down and ends active subscriptions.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	if s.ownNotifier {
		return s.notifier.Close()
	}
	return nil
}
