// Package notify provides the wake-up channel that lets idle subscribers
// learn about freshly published events without waiting for the next poll.
//
// Notifications are strictly an optimization: they may be dropped, duplicated
// or missed, and subscribers always poll on a timeout as well. Anything
// stronger (durability, ordering) belongs to the ledger, not here.
package notify

import "context"

// Notifier broadcasts event-published hints to all listeners.
type Notifier interface {
	// Notify announces that the event with the given ID was published.
	// Best effort; a failed or dropped notification must not fail the publish.
	Notify(ctx context.Context, eventID string) error

	// Listen returns a channel of event-ID hints and an unsubscribe function.
	// The channel is closed on unsubscribe or Close.
	Listen(ctx context.Context) (<-chan string, func(), error)

	// Close shuts down the notifier and all listeners.
	Close() error
}
