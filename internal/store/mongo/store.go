// Package mongo implements the event ledger on MongoDB.
//
// Claims use FindOneAndUpdate so concurrent subscribers never take the same
// record. MongoDB has no NOTIFY equivalent, so wake-up hints ride an injected
// notifier (NATS for multi-process deployments, in-process memory otherwise).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/notify"
	stypes "github.com/syntrixbase/relay/internal/store/types"
)

// Options configures the MongoDB ledger.
type Options struct {
	Collection string

	Policy       stypes.RetryPolicy
	PollInterval time.Duration

	// Notifier distributes wake-up hints. Nil means a private in-process
	// notifier, which only wakes subscribers in the same process.
	Notifier notify.Notifier
}

// record is the persisted shape of a ledger entry.
type record struct {
	ID            string     `bson:"_id"`
	Type          string     `bson:"type"`
	Source        string     `bson:"source"`
	Timestamp     time.Time  `bson:"timestamp"`
	Payload       []byte     `bson:"payload"`
	Status        string     `bson:"status"`
	Attempts      int        `bson:"attempts"`
	Error         string     `bson:"error,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	NextAttemptAt time.Time  `bson:"next_attempt_at"`
	ProcessedAt   *time.Time `bson:"processed_at,omitempty"`
	ClaimedAt     *time.Time `bson:"claimed_at,omitempty"`
}

// Store is a MongoDB-backed ledger.
type Store struct {
	coll *mongo.Collection

	policy       stypes.RetryPolicy
	pollInterval time.Duration
	notifier     notify.Notifier
	ownNotifier  bool

	closed atomic.Bool
	// done ends subscription loops when the store closes.
	done chan struct{}
}

// New creates a MongoDB-backed ledger on an existing database handle.
func New(db *mongo.Database, opts Options) *Store {
	if opts.Collection == "" {
		opts.Collection = "events"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	notifier := opts.Notifier
	own := false
	if notifier == nil {
		notifier = notify.NewMemory()
		own = true
	}

	return &Store{
		coll:         db.Collection(opts.Collection),
		policy:       opts.Policy,
		pollInterval: opts.PollInterval,
		notifier:     notifier,
		ownNotifier:  own,
		done:         make(chan struct{}),
	}
}

// EnsureIndexes creates the indexes the claim and replay paths depend on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}}},
	})
	return err
}

// Publish persists the event, then notifies.
func (s *Store) Publish(ctx context.Context, evt events.Event) error {
	if s.closed.Load() {
		return stypes.ErrClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	payload, err := evt.Marshal()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.coll.InsertOne(ctx, record{
		ID:            evt.ID,
		Type:          evt.Type,
		Source:        evt.Source,
		Timestamp:     evt.Timestamp,
		Payload:       payload,
		Status:        string(stypes.StatusPending),
		CreatedAt:     now,
		NextAttemptAt: now,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", stypes.ErrDuplicateID, evt.ID)
		}
		return fmt.Errorf("failed to persist event: %w", err)
	}

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
			claimed, err := s.claim(ctx, opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Claim cycle failed, backing off", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-s.done:
					return
				case <-time.After(s.pollInterval):
				}
				continue
			}

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

// claim takes up to BatchSize eligible records, one atomic FindOneAndUpdate
// per record. A lost race on one record just moves on to the next.
func (s *Store) claim(ctx context.Context, opts stypes.SubscribeOptions) ([]stypes.Delivery, error) {
	var deliveries []stypes.Delivery

	for len(deliveries) < opts.BatchSize {
		now := time.Now().UTC()
		filter := claimFilter(opts.Types, now)
		update := claimUpdate(now)

		findOpts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "timestamp", Value: 1}}).
			SetReturnDocument(options.After)

		var rec record
		err := s.coll.FindOneAndUpdate(ctx, filter, update, findOpts).Decode(&rec)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return deliveries, err
		}

		evt, err := events.Unmarshal(rec.Payload)
		if err != nil {
			slog.Error("Dropping undecodable event payload", "event_id", rec.ID, "error", err)
			continue
		}
		deliveries = append(deliveries, stypes.Delivery{Event: evt, Token: rec.ID})
	}
	return deliveries, nil
}

// Ack marks the claimed event as completed.
func (s *Store) Ack(ctx context.Context, token string) error {
	now := time.Now().UTC()
	result, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":    token,
			"status": bson.M{"$nin": terminalStatuses()},
		},
		bson.M{
			"$set":   bson.M{"status": string(stypes.StatusCompleted), "processed_at": now},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to ack event: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	return s.settleMiss(ctx, token)
}

// Nack records the failure and either schedules a retry with exponential
// backoff or dead-letters the record. Only the claim holder settles a token,
// so reading attempts before the update is race-free in practice.
func (s *Store) Nack(ctx context.Context, token string, errMsg string) error {
	var rec record
	err := s.coll.FindOne(ctx, bson.M{"_id": token}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return stypes.ErrNotFound
		}
		return fmt.Errorf("failed to nack event: %w", err)
	}
	if stypes.Status(rec.Status).IsTerminal() {
		return nil
	}

	_, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": token, "status": bson.M{"$nin": terminalStatuses()}},
		nackUpdate(s.policy, rec.Attempts, errMsg, time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to nack event: %w", err)
	}
	return nil
}

// settleMiss maps a zero-match settle to no-op (terminal) or ErrNotFound.
func (s *Store) settleMiss(ctx context.Context, token string) error {
	count, err := s.coll.CountDocuments(ctx, bson.M{"_id": token})
	if err != nil {
		return err
	}
	if count == 0 {
		return stypes.ErrNotFound
	}
	return nil
}

// Replay streams events created in [start, end) ascending to fn.
func (s *Store) Replay(ctx context.Context, start, end time.Time, types []string, fn func(events.Event) error) error {
	filter := bson.M{
		"created_at": bson.M{"$gte": start, "$lt": end},
	}
	if len(types) > 0 {
		filter["type"] = bson.M{"$in": types}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var rec record
		if err := cursor.Decode(&rec); err != nil {
			return err
		}
		evt, err := events.Unmarshal(rec.Payload)
		if err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// DLQList returns dead-letter records, most recent first.
func (s *Store) DLQList(ctx context.Context, limit int) ([]stypes.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, bson.M{"status": string(stypes.StatusDeadLetter)}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter events: %w", err)
	}
	defer cursor.Close(ctx)

	var records []stypes.Record
	for cursor.Next(ctx) {
		var rec record
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		evt, err := events.Unmarshal(rec.Payload)
		if err != nil {
			return nil, err
		}
		records = append(records, stypes.Record{
			Event:         evt,
			Status:        stypes.Status(rec.Status),
			Attempts:      rec.Attempts,
			Error:         rec.Error,
			CreatedAt:     rec.CreatedAt,
			NextAttemptAt: rec.NextAttemptAt,
			ProcessedAt:   rec.ProcessedAt,
			ClaimedAt:     rec.ClaimedAt,
		})
	}
	return records, cursor.Err()
}

// DLQRetry revives a dead-letter record for reprocessing.
func (s *Store) DLQRetry(ctx context.Context, id string) error {
	result, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(stypes.StatusDeadLetter)},
		bson.M{
			"$set": bson.M{
				"status":          string(stypes.StatusPending),
				"attempts":        0,
				"next_attempt_at": time.Now().UTC(),
			},
			"$unset": bson.M{"error": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to retry dead-letter event: %w", err)
	}
	if result.MatchedCount == 0 {
		return stypes.ErrNotFound
	}

	if err := s.notifier.Notify(ctx, id); err != nil {
		slog.Debug("Event notification dropped", "event_id", id, "error", err)
	}
	return nil
}

// ReclaimStale returns orphaned processing records to pending.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.coll.UpdateMany(ctx,
		bson.M{
			"status":     string(stypes.StatusProcessing),
			"claimed_at": bson.M{"$lt": cutoff},
		},
		bson.M{
			"$set":   bson.M{"status": string(stypes.StatusPending), "next_attempt_at": time.Now().UTC()},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale events: %w", err)
	}
	return int(result.ModifiedCount), nil
}

// Close ends active subscriptions and stops the notifier. The client
// connection is owned by the caller.
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

func terminalStatuses() []string {
	return []string{string(stypes.StatusCompleted), string(stypes.StatusDeadLetter)}
}

// claimFilter selects pending records whose retry time has arrived,
// optionally restricted to a set of event types.
func claimFilter(types []string, now time.Time) bson.M {
	filter := bson.M{
		"status":          string(stypes.StatusPending),
		"next_attempt_at": bson.M{"$lte": now},
	}
	if len(types) > 0 {
		filter["type"] = bson.M{"$in": types}
	}
	return filter
}

// claimUpdate moves a record to processing and counts the attempt.
func claimUpdate(now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"status":     string(stypes.StatusProcessing),
			"claimed_at": now,
		},
		"$inc": bson.M{"attempts": 1},
	}
}

// nackUpdate builds the settle update for a failed attempt: retry with
// backoff while attempts remain, dead-letter otherwise.
func nackUpdate(policy stypes.RetryPolicy, attempts int, errMsg string, now time.Time) bson.M {
	set := bson.M{"error": errMsg}
	if policy.Exhausted(attempts) {
		set["status"] = string(stypes.StatusDeadLetter)
	} else {
		set["status"] = string(stypes.StatusPending)
		set["next_attempt_at"] = now.Add(policy.Backoff(attempts))
	}
	return bson.M{"$set": set, "$unset": bson.M{"claimed_at": ""}}
}
