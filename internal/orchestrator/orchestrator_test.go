package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/locks"
	"github.com/syntrixbase/relay/internal/match"
	"github.com/syntrixbase/relay/internal/scope"
	memorystore "github.com/syntrixbase/relay/internal/store/memory"
	stypes "github.com/syntrixbase/relay/internal/store/types"
)

func testLedger(t *testing.T) *memorystore.Store {
	t.Helper()
	s := memorystore.New(memorystore.Options{
		Policy: stypes.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
		},
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func newEvent(t *testing.T, eventType, source string) events.Event {
	t.Helper()
	evt, err := events.New(eventType, source, map[string]string{"k": "v"})
	require.NoError(t, err)
	return evt
}

func startOrchestrator(t *testing.T, o *Orchestrator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
	return cancel
}

func waitForStatus(t *testing.T, s *memorystore.Store, id string, want stypes.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := s.Record(id)
		return ok && rec.Status == want
	}, 5*time.Second, 10*time.Millisecond, "event %s never reached %s", id, want)
}

// Three app.error events from one scope within the window: the handler sees
// all three accumulated, acts, and the next event starts from empty memory.
func TestThresholdTrigger(t *testing.T) {
	ledger := testLedger(t)

	type invocation struct {
		memoryLen int
	}
	var mu sync.Mutex
	var invocations []invocation

	handler := HandlerFunc(func(_ context.Context, inv *Invocation) (Result, error) {
		window := inv.Memory.Window(60 * time.Second)

		mu.Lock()
		invocations = append(invocations, invocation{memoryLen: len(window)})
		mu.Unlock()

		if len(window) >= 3 {
			return Result{Acted: true, Output: "alert raised"}, nil
		}
		return NoAction, nil
	})

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name:    "error-threshold",
		Filter:  match.Type("app.error"),
		Handler: "alert",
	}))

	o, err := New(Options{
		Store:    ledger,
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{"alert": handler},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	var published []events.Event
	for i := 0; i < 3; i++ {
		evt := newEvent(t, "app.error", "user-1")
		require.NoError(t, ledger.Publish(context.Background(), evt))
		published = append(published, evt)
	}
	for _, evt := range published {
		waitForStatus(t, ledger, evt.ID, stypes.StatusCompleted)
	}

	mu.Lock()
	require.Len(t, invocations, 3)
	assert.Equal(t, 1, invocations[0].memoryLen)
	assert.Equal(t, 2, invocations[1].memoryLen)
	assert.Equal(t, 3, invocations[2].memoryLen, "third invocation sees all accumulated events")
	mu.Unlock()

	// Memory was cleared by the action; a fourth event starts fresh.
	fourth := newEvent(t, "app.error", "user-1")
	require.NoError(t, ledger.Publish(context.Background(), fourth))
	waitForStatus(t, ledger, fourth.ID, stypes.StatusCompleted)

	mu.Lock()
	require.Len(t, invocations, 4)
	assert.Equal(t, 1, invocations[3].memoryLen)
	mu.Unlock()
}

// Filters observe the scope's working memory, and only while the scope lock
// is held: a filter that reads the memory window must stay consistent with
// handlers mutating the same scope from concurrent deliveries.
func TestFilterReadsScopeMemoryUnderLock(t *testing.T) {
	ledger := testLedger(t)

	var sawMemory atomic.Bool
	windowFilter := match.FilterFunc(func(evt events.Event, mem *scope.Context) bool {
		if evt.Type != "app.error" {
			return false
		}
		if mem != nil {
			mem.Window(time.Minute)
			sawMemory.Store(true)
		}
		return true
	})

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name:    "windowed",
		Filter:  windowFilter,
		Handler: "count",
	}))

	var handled atomic.Int64
	o, err := New(Options{
		Store:         ledger,
		Locks:         locks.NewMemory(),
		Registry:      registry,
		MaxConcurrent: 8,
		Handlers: map[string]Handler{"count": HandlerFunc(func(_ context.Context, inv *Invocation) (Result, error) {
			inv.Memory.Window(time.Minute)
			handled.Add(1)
			return NoAction, nil
		})},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	const total = 40
	var published []events.Event
	for i := 0; i < total; i++ {
		evt := newEvent(t, "app.error", "user-1")
		require.NoError(t, ledger.Publish(context.Background(), evt))
		published = append(published, evt)
	}
	for _, evt := range published {
		waitForStatus(t, ledger, evt.ID, stypes.StatusCompleted)
	}

	assert.True(t, sawMemory.Load(), "filter received the scope's working memory")
	assert.Equal(t, int64(total), handled.Load())
}

func TestUnmatchedEventIsAcked(t *testing.T) {
	ledger := testLedger(t)

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name:    "errors-only",
		Filter:  match.Type("app.error"),
		Handler: "noop",
	}))

	o, err := New(Options{
		Store:    ledger,
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{"noop": HandlerFunc(func(context.Context, *Invocation) (Result, error) {
			t.Error("handler must not run for unmatched events")
			return NoAction, nil
		})},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	evt := newEvent(t, "timer.tick", "scheduler")
	require.NoError(t, ledger.Publish(context.Background(), evt))
	waitForStatus(t, ledger, evt.ID, stypes.StatusCompleted)
}

func TestHandlerErrorNacks(t *testing.T) {
	ledger := testLedger(t)

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name:    "failing",
		Filter:  match.Type("app.error"),
		Handler: "fail",
	}))

	o, err := New(Options{
		Store:    ledger,
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{"fail": HandlerFunc(func(context.Context, *Invocation) (Result, error) {
			return NoAction, errors.New("downstream unavailable")
		})},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	evt := newEvent(t, "app.error", "user-1")
	require.NoError(t, ledger.Publish(context.Background(), evt))

	require.Eventually(t, func() bool {
		rec, ok := ledger.Record(evt.ID)
		return ok && rec.Attempts >= 1 && rec.Error != ""
	}, 5*time.Second, 10*time.Millisecond)

	rec, _ := ledger.Record(evt.ID)
	assert.Contains(t, rec.Error, "failing: downstream unavailable")
}

func TestHandlerPanicNacks(t *testing.T) {
	ledger := testLedger(t)

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name:    "panicky",
		Filter:  match.Type("app.error"),
		Handler: "panic",
	}))

	o, err := New(Options{
		Store:    ledger,
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{"panic": HandlerFunc(func(context.Context, *Invocation) (Result, error) {
			panic("boom")
		})},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	evt := newEvent(t, "app.error", "user-1")
	require.NoError(t, ledger.Publish(context.Background(), evt))

	require.Eventually(t, func() bool {
		rec, ok := ledger.Record(evt.ID)
		return ok && rec.Error != ""
	}, 5*time.Second, 10*time.Millisecond)

	rec, _ := ledger.Record(evt.ID)
	assert.Contains(t, rec.Error, "handler panicked")
}

// One failing trigger nacks the event even though the other succeeded.
func TestMultiTriggerAllOrNothing(t *testing.T) {
	ledger := testLedger(t)

	var succeeded atomic.Bool

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name: "ok", Filter: match.Type("app.error"), Handler: "ok", Priority: 10,
	}))
	require.NoError(t, registry.Register(&match.Trigger{
		Name: "bad", Filter: match.Type("app.error"), Handler: "bad", Priority: 5,
	}))

	o, err := New(Options{
		Store:    ledger,
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{
			"ok": HandlerFunc(func(context.Context, *Invocation) (Result, error) {
				succeeded.Store(true)
				return Result{Acted: true}, nil
			}),
			"bad": HandlerFunc(func(context.Context, *Invocation) (Result, error) {
				return NoAction, errors.New("nope")
			}),
		},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	evt := newEvent(t, "app.error", "user-1")
	require.NoError(t, ledger.Publish(context.Background(), evt))

	require.Eventually(t, func() bool {
		rec, ok := ledger.Record(evt.ID)
		return ok && rec.Error != ""
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, succeeded.Load(), "successful trigger ran before the nack")
	rec, _ := ledger.Record(evt.ID)
	assert.Contains(t, rec.Error, "bad: nope")
	assert.NotContains(t, rec.Error, "ok:", "successful trigger contributes no error")
}

func TestLockTimeoutNacks(t *testing.T) {
	ledger := testLedger(t)
	locker := locks.NewMemory()

	// Hold the scope so the handler can never acquire it.
	require.NoError(t, locker.Acquire(context.Background(), "user-1"))
	defer locker.Release("user-1")

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name:    "blocked",
		Filter:  match.Type("app.error"),
		Handler: "h",
	}))

	o, err := New(Options{
		Store:       ledger,
		Locks:       locker,
		Registry:    registry,
		LockTimeout: 50 * time.Millisecond,
		Handlers: map[string]Handler{"h": HandlerFunc(func(context.Context, *Invocation) (Result, error) {
			t.Error("handler must not run while the scope is locked elsewhere")
			return NoAction, nil
		})},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	evt := newEvent(t, "app.error", "user-1")
	require.NoError(t, ledger.Publish(context.Background(), evt))

	require.Eventually(t, func() bool {
		rec, ok := ledger.Record(evt.ID)
		return ok && rec.Error != ""
	}, 5*time.Second, 10*time.Millisecond)

	rec, _ := ledger.Record(evt.ID)
	assert.Equal(t, stypes.StatusPending, rec.Status, "lock timeout is retryable")
}

func TestHandlerPublishesDerivedEvent(t *testing.T) {
	ledger := testLedger(t)

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name:    "deriver",
		Filter:  match.Type("app.error"),
		Handler: "derive",
	}))

	o, err := New(Options{
		Store:    ledger,
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{"derive": HandlerFunc(func(ctx context.Context, inv *Invocation) (Result, error) {
			derived, err := events.Derive(inv.Event, "alert.raised", "orchestrator", map[string]string{"reason": "threshold"})
			if err != nil {
				return NoAction, err
			}
			return Result{Acted: true}, inv.Publish(ctx, derived)
		})},
	})
	require.NoError(t, err)
	startOrchestrator(t, o)

	evt := newEvent(t, "app.error", "user-1")
	require.NoError(t, ledger.Publish(context.Background(), evt))
	waitForStatus(t, ledger, evt.ID, stypes.StatusCompleted)

	var derivedIDs []string
	require.Eventually(t, func() bool {
		derivedIDs = derivedIDs[:0]
		err := ledger.Replay(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute),
			[]string{"alert.raised"}, func(e events.Event) error {
				derivedIDs = append(derivedIDs, e.ID)
				assert.Equal(t, evt.ID, e.Meta.CausationID)
				return nil
			})
		return err == nil && len(derivedIDs) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunOnce(t *testing.T) {
	ledger := testLedger(t)

	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name: "ok", Filter: match.Type("app.error"), Handler: "ok",
	}))
	require.NoError(t, registry.Register(&match.Trigger{
		Name: "bad", Filter: match.Type("app.error"), Handler: "bad",
	}))

	o, err := New(Options{
		Store:    ledger,
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{
			"ok":  HandlerFunc(func(context.Context, *Invocation) (Result, error) { return NoAction, nil }),
			"bad": HandlerFunc(func(context.Context, *Invocation) (Result, error) { return NoAction, errors.New("nope") }),
		},
	})
	require.NoError(t, err)

	errs := o.RunOnce(context.Background(), newEvent(t, "app.error", "user-1"))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bad: nope")
}

func TestNew_UnknownHandlerRejected(t *testing.T) {
	registry := match.NewRegistry()
	require.NoError(t, registry.Register(&match.Trigger{
		Name: "orphan", Filter: match.Type("x"), Handler: "missing",
	}))

	_, err := New(Options{
		Store:    testLedger(t),
		Locks:    locks.NewMemory(),
		Registry: registry,
		Handlers: map[string]Handler{},
	})
	assert.Error(t, err)
}
