// Package scope holds per-scope working memory: the events accumulated for a
// logical scope since its handler last acted, plus scratch state.
//
// A Context is not safe for concurrent use. The orchestrator only touches a
// scope's context while holding that scope's lock, which serializes all
// mutations for the scope.
package scope

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syntrixbase/relay/internal/events"
)

// Context accumulates events and scratch state for one scope. It is volatile;
// a process restart starts every scope from empty.
type Context struct {
	scope   string
	events  []events.Event
	scratch map[string]any

	createdAt    time.Time
	lastActionAt *time.Time

	// now is swappable for deterministic time in tests.
	now func() time.Time
}

// NewContext creates an empty context for the given scope.
func NewContext(scope string) *Context {
	return &Context{
		scope:     scope,
		scratch:   make(map[string]any),
		createdAt: time.Now(),
		now:       time.Now,
	}
}

// Scope returns the scope key this context belongs to.
func (c *Context) Scope() string { return c.scope }

// Add appends an event to the accumulated list.
func (c *Context) Add(evt events.Event) {
	c.events = append(c.events, evt)
}

// Events returns the accumulated events, oldest first.
func (c *Context) Events() []events.Event {
	return c.events
}

// Window returns the events whose timestamp falls within the trailing window,
// oldest first.
func (c *Context) Window(d time.Duration) []events.Event {
	cutoff := c.now().Add(-d)

	var out []events.Event
	for _, evt := range c.events {
		if !evt.Timestamp.Before(cutoff) {
			out = append(out, evt)
		}
	}
	return out
}

// OfType returns the accumulated events whose type is one of the given types.
func (c *Context) OfType(types ...string) []events.Event {
	var out []events.Event
	for _, evt := range c.events {
		for _, t := range types {
			if evt.Type == t {
				out = append(out, evt)
				break
			}
		}
	}
	return out
}

// SinceLastAction returns the events accumulated after the last action, or
// everything if no action was ever taken.
func (c *Context) SinceLastAction() []events.Event {
	if c.lastActionAt == nil {
		return c.events
	}

	var out []events.Event
	for _, evt := range c.events {
		if evt.Timestamp.After(*c.lastActionAt) {
			out = append(out, evt)
		}
	}
	return out
}

// CountByType returns event counts grouped by type.
func (c *Context) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, evt := range c.events {
		counts[evt.Type]++
	}
	return counts
}

// LastActionAt returns when the scope's handler last acted, if ever.
func (c *Context) LastActionAt() (time.Time, bool) {
	if c.lastActionAt == nil {
		return time.Time{}, false
	}
	return *c.lastActionAt, true
}

// Set stores a scratch value for the scope.
func (c *Context) Set(key string, value any) {
	c.scratch[key] = value
}

// Get reads a scratch value.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.scratch[key]
	return v, ok
}

// Summarize renders a deterministic markdown digest of the scope state with
// at most maxEvents recent events. Intended as handler (LLM) input.
func (c *Context) Summarize(maxEvents int) string {
	if maxEvents <= 0 {
		maxEvents = 10
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Event Summary (%d total events)\n\n", len(c.events))

	b.WriteString("### Event Counts by Type\n")
	counts := c.CountByType()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %d\n", k, counts[k])
	}

	fmt.Fprintf(&b, "\n### Recent Events (last %d)\n", maxEvents)
	recent := c.events
	if len(recent) > maxEvents {
		recent = recent[len(recent)-maxEvents:]
	}
	for _, evt := range recent {
		fmt.Fprintf(&b, "- [%s] %s from %s\n", evt.Timestamp.Format(time.RFC3339), evt.Type, evt.Source)
	}
	return b.String()
}

// Clear empties the event list and scratch map and stamps the action time.
// Called after a handler reports it acted on the accumulated state.
func (c *Context) Clear() {
	now := c.now()
	c.events = nil
	c.scratch = make(map[string]any)
	c.lastActionAt = &now
}

// MarkAction stamps the action time without discarding accumulated history.
func (c *Context) MarkAction() {
	now := c.now()
	c.lastActionAt = &now
}

// Manager hands out per-scope contexts, creating them lazily on first use.
// Safe for concurrent use; the contexts it returns are not.
type Manager struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{contexts: make(map[string]*Context)}
}

// Get returns the context for the scope, creating it on first use.
func (m *Manager) Get(scope string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[scope]
	if !ok {
		ctx = NewContext(scope)
		m.contexts[scope] = ctx
	}
	return ctx
}

// Len returns the number of scopes with live contexts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}
