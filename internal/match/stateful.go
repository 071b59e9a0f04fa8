package match

import (
	"container/list"
	"sync"
	"time"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/scope"
)

// defaultDedupeKeys bounds dedupe memory when no explicit cap is given.
const defaultDedupeKeys = 10000

// RateLimit matches while fewer than maxEvents observations fall inside the
// trailing window. Every evaluation counts as an observation, so the filter
// must see every candidate event. The window state belongs to the filter
// value, shared across all scopes it evaluates; build one RateLimit per
// trigger for a global budget, or key the trigger's scope into separate
// filters for per-scope budgets.
type RateLimit struct {
	maxEvents int
	window    time.Duration

	mu         sync.Mutex
	timestamps []time.Time

	now func() time.Time
}

// NewRateLimit creates a rate-limit filter.
func NewRateLimit(maxEvents int, window time.Duration) *RateLimit {
	return &RateLimit{
		maxEvents: maxEvents,
		window:    window,
		now:       time.Now,
	}
}

func (r *RateLimit) Matches(_ events.Event, _ *scope.Context) bool {
	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.timestamps[:0]
	for _, ts := range r.timestamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.timestamps = kept

	if len(r.timestamps) >= r.maxEvents {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// KeyFunc extracts a deduplication key from an event.
type KeyFunc func(evt events.Event) string

// Dedupe rejects events whose key was already seen within the trailing
// window. A zero window means keys never expire; maxKeys caps memory with
// LRU eviction either way. Seen keys belong to the filter value and are
// shared across all scopes it evaluates; include the scope in the key
// function when suppression should be per scope.
type Dedupe struct {
	keyFn   KeyFunc
	window  time.Duration
	maxKeys int

	mu    sync.Mutex
	order *list.List
	seen  map[string]*list.Element

	now func() time.Time
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

// NewDedupe creates a dedupe filter. A nil keyFn keys on the event ID.
func NewDedupe(keyFn KeyFunc, window time.Duration, maxKeys int) *Dedupe {
	if keyFn == nil {
		keyFn = func(evt events.Event) string { return evt.ID }
	}
	if maxKeys <= 0 {
		maxKeys = defaultDedupeKeys
	}
	return &Dedupe{
		keyFn:   keyFn,
		window:  window,
		maxKeys: maxKeys,
		order:   list.New(),
		seen:    make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (d *Dedupe) Matches(evt events.Event, _ *scope.Context) bool {
	now := d.now()
	key := d.keyFn(evt)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.window > 0 {
		cutoff := now.Add(-d.window)
		for e := d.order.Front(); e != nil; {
			next := e.Next()
			entry := e.Value.(*dedupeEntry)
			if entry.seen.Before(cutoff) {
				d.order.Remove(e)
				delete(d.seen, entry.key)
			}
			e = next
		}
	}

	if e, ok := d.seen[key]; ok {
		// Refresh recency so repeat offenders stay suppressed.
		e.Value.(*dedupeEntry).seen = now
		d.order.MoveToBack(e)
		return false
	}

	d.seen[key] = d.order.PushBack(&dedupeEntry{key: key, seen: now})
	for d.order.Len() > d.maxKeys {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(*dedupeEntry).key)
	}
	return true
}
