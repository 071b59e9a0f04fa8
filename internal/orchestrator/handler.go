package orchestrator

import (
	"context"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/scope"
)

// Invocation carries everything a handler gets for one trigger match. The
// memory belongs to the invocation's scope and is only accessed while the
// scope lock is held.
type Invocation struct {
	Event   events.Event
	Trigger string
	Scope   string
	Memory  *scope.Context

	// Publish emits a derived event into the ledger. Handlers propagate
	// lineage with events.Derive before publishing.
	Publish func(ctx context.Context, evt events.Event) error
}

// Result reports what a handler did with the accumulated state.
type Result struct {
	// Acted reports that the handler took an action; the scope's working
	// memory is cleared afterwards.
	Acted bool

	// Output optionally describes the action for logs.
	Output string
}

// NoAction is the result of a handler that inspected the state and chose to
// wait for more events.
var NoAction = Result{}

// Handler reacts to a trigger match. Handlers must be idempotent under
// redelivery: a nacked event is retried and may reach the handler again.
type Handler interface {
	Handle(ctx context.Context, inv *Invocation) (Result, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, inv *Invocation) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, inv *Invocation) (Result, error) {
	return f(ctx, inv)
}
