// Package postgres implements the event ledger on PostgreSQL.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent subscribers never take the
// same record, and publishes wake idle subscribers through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/notify"
	stypes "github.com/syntrixbase/relay/internal/store/types"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying event-published hints.
const NotifyChannel = "relay_events"

// Options configures the PostgreSQL ledger.
type Options struct {
	// URI is the connection string, also used by the LISTEN/NOTIFY listener.
	URI       string
	TableName string

	Policy       stypes.RetryPolicy
	PollInterval time.Duration

	// Notifier overrides the built-in LISTEN/NOTIFY channel, e.g. with NATS.
	// Nil means LISTEN/NOTIFY on NotifyChannel.
	Notifier notify.Notifier
}

// Store is a PostgreSQL-backed ledger.
type Store struct {
	db        *sql.DB
	tableName string

	policy       stypes.RetryPolicy
	pollInterval time.Duration
	notifier     notify.Notifier
	ownNotifier  bool

	closed atomic.Bool
	// done ends subscription loops when the store closes.
	done chan struct{}
}

// New creates a PostgreSQL-backed ledger on an existing connection pool.
func New(db *sql.DB, opts Options) (*Store, error) {
	if opts.TableName == "" {
		opts.TableName = "events"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	notifier := opts.Notifier
	own := false
	if notifier == nil {
		if opts.URI == "" {
			return nil, fmt.Errorf("postgres uri is required for the built-in listener")
		}
		notifier = newListenNotify(db, opts.URI, NotifyChannel)
		own = true
	}

	return &Store{
		db:           db,
		tableName:    opts.TableName,
		policy:       opts.Policy,
		pollInterval: opts.PollInterval,
		notifier:     notifier,
		ownNotifier:  own,
		done:         make(chan struct{}),
	}, nil
}

// EnsureSchema creates the events table and indexes if they don't exist.
func EnsureSchema(db *sql.DB, tableName string) error {
	if tableName == "" {
		tableName = "events"
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              VARCHAR(64) PRIMARY KEY,
    type            VARCHAR(255) NOT NULL,
    source          VARCHAR(255) NOT NULL,
    timestamp       TIMESTAMPTZ NOT NULL,
    payload         JSONB NOT NULL,
    status          VARCHAR(20) NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    error           TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at    TIMESTAMPTZ,
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    claimed_at      TIMESTAMPTZ,

    CONSTRAINT chk_%[1]s_status CHECK (
        status IN ('pending', 'processing', 'completed', 'dead_letter')
    ),
    CONSTRAINT chk_%[1]s_attempts CHECK (attempts >= 0)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_claim ON %[1]s(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s(created_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_type ON %[1]s(type);
`, tableName)
	_, err := db.Exec(schema)
	return err
}

// Publish persists the event, then notifies. The insert commits before the
// notification goes out, so a missed notification only delays delivery until
// the next poll.
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

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, type, source, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, s.tableName),
		evt.ID, evt.Type, evt.Source, evt.Timestamp, payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
				// Transient storage trouble must not kill the subscription.
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

// claim atomically moves up to BatchSize eligible records to processing,
// skipping rows locked by concurrent claimants.
func (s *Store) claim(ctx context.Context, opts stypes.SubscribeOptions) ([]stypes.Delivery, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'processing', attempts = attempts + 1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE status = 'pending'
				AND next_attempt_at <= NOW()
				AND (CAST($1 AS text[]) IS NULL OR type = ANY($1))
			ORDER BY timestamp
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload
	`, s.tableName)

	var typeFilter interface{}
	if len(opts.Types) > 0 {
		typeFilter = pq.Array(opts.Types)
	}

	rows, err := s.db.QueryContext(ctx, query, typeFilter, opts.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []stypes.Delivery
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}

		evt, err := events.Unmarshal(payload)
		if err != nil {
			// A corrupt payload would wedge the queue if left pending.
			slog.Error("Dropping undecodable event payload", "event_id", id, "error", err)
			continue
		}
		deliveries = append(deliveries, stypes.Delivery{Event: evt, Token: id})
	}
	return deliveries, rows.Err()
}

// Ack marks the claimed event as completed.
func (s *Store) Ack(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', processed_at = NOW(), claimed_at = NULL
		WHERE id = $1 AND status NOT IN ('completed', 'dead_letter')
	`, s.tableName), token)
	if err != nil {
		return fmt.Errorf("failed to ack event: %w", err)
	}
	return s.settleResult(ctx, result, token)
}

// Nack records the failure and either schedules a retry with exponential
// backoff or dead-letters the record. The attempt counter was already
// incremented by the claim, so the delay is base * 2^(attempts-1), capped.
func (s *Store) Nack(ctx context.Context, token string, errMsg string) error {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			status = CASE
				WHEN attempts >= $2 THEN 'dead_letter'
				ELSE 'pending'
			END,
			error = $3,
			claimed_at = NULL,
			next_attempt_at = CASE
				WHEN attempts >= $2 THEN next_attempt_at
				ELSE NOW() + make_interval(secs => LEAST($4 * POWER(2, attempts - 1), $5))
			END
		WHERE id = $1 AND status NOT IN ('completed', 'dead_letter')
	`, s.tableName),
		token,
		s.policy.MaxAttempts,
		errMsg,
		s.policy.BaseDelay.Seconds(),
		s.policy.MaxDelay.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to nack event: %w", err)
	}
	return s.settleResult(ctx, result, token)
}

// settleResult maps a zero-row settle to no-op (terminal) or ErrNotFound.
func (s *Store) settleResult(ctx context.Context, result sql.Result, token string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", s.tableName),
		token,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return stypes.ErrNotFound
	}
	return nil
}

// Replay streams events created in [start, end) ascending to fn.
func (s *Store) Replay(ctx context.Context, start, end time.Time, types []string, fn func(events.Event) error) error {
	query := fmt.Sprintf(`
		SELECT payload FROM %s
		WHERE created_at >= $1 AND created_at < $2
			AND (CAST($3 AS text[]) IS NULL OR type = ANY($3))
		ORDER BY created_at
	`, s.tableName)

	var typeFilter interface{}
	if len(types) > 0 {
		typeFilter = pq.Array(types)
	}

	rows, err := s.db.QueryContext(ctx, query, start, end, typeFilter)
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		evt, err := events.Unmarshal(payload)
		if err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DLQList returns dead-letter records, most recent first.
func (s *Store) DLQList(ctx context.Context, limit int) ([]stypes.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT payload, attempts, error, created_at, next_attempt_at
		FROM %s
		WHERE status = 'dead_letter'
		ORDER BY created_at DESC
		LIMIT $1
	`, s.tableName), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter events: %w", err)
	}
	defer rows.Close()

	var records []stypes.Record
	for rows.Next() {
		var (
			payload []byte
			rec     stypes.Record
			errMsg  sql.NullString
		)
		rec.Status = stypes.StatusDeadLetter
		if err := rows.Scan(&payload, &rec.Attempts, &errMsg, &rec.CreatedAt, &rec.NextAttemptAt); err != nil {
			return nil, err
		}
		rec.Error = errMsg.String

		evt, err := events.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		rec.Event = evt
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DLQRetry revives a dead-letter record for reprocessing.
func (s *Store) DLQRetry(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', attempts = 0, error = NULL, next_attempt_at = NOW()
		WHERE id = $1 AND status = 'dead_letter'
	`, s.tableName), id)
	if err != nil {
		return fmt.Errorf("failed to retry dead-letter event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return stypes.ErrNotFound
	}

	if err := s.notifier.Notify(ctx, id); err != nil {
		slog.Debug("Event notification dropped", "event_id", id, "error", err)
	}
	return nil
}

// ReclaimStale returns orphaned processing records to pending.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', claimed_at = NULL, next_attempt_at = NOW()
		WHERE status = 'processing'
			AND claimed_at < NOW() - make_interval(secs => $1)
	`, s.tableName), olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Close ends active subscriptions and stops the notifier. The connection
// pool is owned by the caller.
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

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
