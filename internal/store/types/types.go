// Package types defines the shared data model of the event ledger.
// All ledger backends MUST use these types and obey the lifecycle:
//
//	pending -> processing -> completed
//	                    \-> pending (retry with backoff)
//	                    \-> dead_letter (attempts exhausted)
package types

import (
	"errors"
	"math"
	"time"

	"github.com/syntrixbase/relay/internal/events"
)

// Status is the lifecycle state of a ledger record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDeadLetter Status = "dead_letter"
)

// IsValid checks if the status is a known valid value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further claim transitions
// (dead_letter records can still be revived explicitly via DLQRetry).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Record owns the lifecycle state of one persisted event.
// Only ledger backends mutate records; everything else goes through the
// Store operations.
type Record struct {
	Event events.Event

	Status   Status
	Attempts int
	Error    string

	CreatedAt     time.Time
	NextAttemptAt time.Time
	ProcessedAt   *time.Time
	ClaimedAt     *time.Time
}

// Delivery is one claimed event handed to a subscriber. The token is passed
// back to Ack or Nack to settle the claim.
type Delivery struct {
	Event events.Event
	Token string
}

// SubscribeOptions filters and sizes the claim cycle of a subscription.
type SubscribeOptions struct {
	// Types restricts the subscription to the given event types.
	// Empty means all types.
	Types []string

	// BatchSize caps how many records one claim cycle may take.
	BatchSize int
}

// RetryPolicy defines how failed events are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the delay before the next attempt, given the number of
// attempts already made: min(base * 2^(attempts-1), max). The doubling rule
// and the hard cap are load-bearing for deterministic retry timing.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	// Guard the shift; beyond 62 doublings everything hits the cap anyway.
	exp := attempts - 1
	if exp > 62 || p.BaseDelay > p.MaxDelay {
		return p.MaxDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(2, float64(exp))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether a record with the given attempt count has no
// retries left.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Errors shared by all ledger backends.
var (
	// ErrNotFound is returned when a token or event ID matches no record.
	ErrNotFound = errors.New("event record not found")

	// ErrDuplicateID is returned when publishing an event whose ID is
	// already in the ledger.
	ErrDuplicateID = errors.New("event id already exists")

	// ErrClosed is returned when using a store after Close.
	ErrClosed = errors.New("event store is closed")
)
