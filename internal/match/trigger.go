package match

import (
	"fmt"
	"sort"

	"github.com/syntrixbase/relay/internal/events"
)

// ScopeKeyFunc extracts the locking scope from an event. Events with the same
// scope are processed serially.
type ScopeKeyFunc func(evt events.Event) string

// ScopeBySource is the default scope key: one scope per event source.
func ScopeBySource(evt events.Event) string { return evt.Source }

// Trigger binds a filter to a handler name and a scope-key function.
// Immutable once registered.
type Trigger struct {
	// Name identifies the trigger in logs and registry operations.
	Name string

	// Filter decides whether a delivered event fires this trigger.
	Filter Filter

	// Handler names the handler the orchestrator invokes on a match.
	Handler string

	// ScopeKey extracts the locking scope. Nil means ScopeBySource.
	ScopeKey ScopeKeyFunc

	// Priority orders evaluation, highest first. It does not make matching
	// exclusive; every matching trigger fires.
	Priority int
}

// Scope returns the locking scope for the event.
func (t *Trigger) Scope(evt events.Event) string {
	if t.ScopeKey == nil {
		return ScopeBySource(evt)
	}
	return t.ScopeKey(evt)
}

// Registry holds the process-wide static set of triggers. Registration
// happens during startup; reads are then safe for concurrent use.
type Registry struct {
	triggers []*Trigger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a trigger, keeping the set ordered by priority descending.
// Trigger names must be unique.
func (r *Registry) Register(t *Trigger) error {
	if t.Name == "" {
		return fmt.Errorf("trigger name is required")
	}
	if t.Filter == nil {
		return fmt.Errorf("trigger %q has no filter", t.Name)
	}
	for _, existing := range r.triggers {
		if existing.Name == t.Name {
			return fmt.Errorf("trigger %q already registered", t.Name)
		}
	}

	r.triggers = append(r.triggers, t)
	sort.SliceStable(r.triggers, func(i, j int) bool {
		return r.triggers[i].Priority > r.triggers[j].Priority
	})
	return nil
}

// Unregister removes a trigger by name.
func (r *Registry) Unregister(name string) bool {
	for i, t := range r.triggers {
		if t.Name == name {
			r.triggers = append(r.triggers[:i], r.triggers[i+1:]...)
			return true
		}
	}
	return false
}

// Triggers returns the registered triggers, priority descending.
func (r *Registry) Triggers() []*Trigger {
	return r.triggers
}
