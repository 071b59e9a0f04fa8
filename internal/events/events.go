// Package events defines the canonical event schema for the relay core.
// All producers and consumers MUST use these types; events are immutable
// after construction and identified by their ID.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known event types emitted by the built-in ingestion surfaces.
// Handlers may define additional types; the set is open.
const (
	TypeWebSocketMessage = "ws.message"
	TypeHTTPRequest      = "http.request"
	TypeTimerTick        = "timer.tick"
	TypeLifecycle        = "lifecycle"
)

// Meta carries lineage identifiers across derived events.
type Meta struct {
	TraceID       string `json:"traceId"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
}

// Event is an immutable occurrence flowing through the system.
// Payload is opaque to the core; only the matching engine's keyword and
// expression filters ever look inside it.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      Meta            `json:"meta"`
}

// New creates an event with a fresh ID and trace ID.
// The payload is marshaled to JSON; pass nil for payload-free events.
func New(eventType, source string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		Meta:      Meta{TraceID: uuid.NewString()},
	}, nil
}

// Derive creates an event caused by parent, propagating lineage:
// the trace ID carries over, the correlation ID defaults to the root
// event's ID, and the causation ID points at the parent.
func Derive(parent Event, eventType, source string, payload any) (Event, error) {
	evt, err := New(eventType, source, payload)
	if err != nil {
		return Event{}, err
	}

	correlation := parent.Meta.CorrelationID
	if correlation == "" {
		correlation = parent.ID
	}

	evt.Meta = Meta{
		TraceID:       parent.Meta.TraceID,
		CorrelationID: correlation,
		CausationID:   parent.ID,
	}
	return evt, nil
}

// Validate checks the fields every persisted event must carry.
// Malformed events are rejected before they reach the ledger.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.Source == "" {
		return errors.New("event source is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("event timestamp is required")
	}
	return nil
}

// Marshal encodes the event for persistence and transport.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event previously encoded with Marshal.
func Unmarshal(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return evt, nil
}
