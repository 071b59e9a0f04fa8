// Package orchestrator runs the event processing loop: claim events from the
// ledger, match them against registered triggers, and execute handlers under
// per-scope locks with all-or-nothing acknowledgement.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/locks"
	"github.com/syntrixbase/relay/internal/match"
	"github.com/syntrixbase/relay/internal/scope"
	"github.com/syntrixbase/relay/internal/store"
	stypes "github.com/syntrixbase/relay/internal/store/types"
)

// Options configures an orchestrator.
type Options struct {
	Store    store.Store
	Locks    locks.Locker
	Registry *match.Registry

	// Handlers maps trigger handler names to implementations. Every
	// registered trigger must resolve here.
	Handlers map[string]Handler

	// SubscribeTypes restricts the subscription. Empty means all types.
	SubscribeTypes []string

	BatchSize     int
	MaxConcurrent int

	// LockTimeout bounds how long one trigger may wait for its scope lock.
	// A timeout nacks the event; the retry gets a fresh chance at the lock.
	LockTimeout time.Duration

	// ReclaimAfter and ReclaimInterval drive the sweep that returns records
	// orphaned by crashed consumers to pending. Zero disables the sweep.
	ReclaimAfter    time.Duration
	ReclaimInterval time.Duration

	Logger *slog.Logger
}

// Orchestrator owns the processing loop and the per-scope working memory.
type Orchestrator struct {
	store    store.Store
	locks    locks.Locker
	registry *match.Registry
	handlers map[string]Handler
	contexts *scope.Manager

	subscribeTypes  []string
	batchSize       int
	maxConcurrent   int
	lockTimeout     time.Duration
	reclaimAfter    time.Duration
	reclaimInterval time.Duration

	logger *slog.Logger
}

// New validates the options and builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock backend is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("trigger registry is required")
	}
	for _, t := range opts.Registry.Triggers() {
		if _, ok := opts.Handlers[t.Handler]; !ok {
			return nil, fmt.Errorf("trigger %q references unknown handler %q", t.Name, t.Handler)
		}
	}

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		store:           opts.Store,
		locks:           opts.Locks,
		registry:        opts.Registry,
		handlers:        opts.Handlers,
		contexts:        scope.NewManager(),
		subscribeTypes:  opts.SubscribeTypes,
		batchSize:       opts.BatchSize,
		maxConcurrent:   opts.MaxConcurrent,
		lockTimeout:     opts.LockTimeout,
		reclaimAfter:    opts.ReclaimAfter,
		reclaimInterval: opts.ReclaimInterval,
		logger:          opts.Logger,
	}, nil
}

// Run processes events until ctx is cancelled. In-flight handler invocations
// finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	deliveries, err := o.store.Subscribe(ctx, stypes.SubscribeOptions{
		Types:     o.subscribeTypes,
		BatchSize: o.batchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	o.logger.Info("Orchestrator starting",
		"event_types", o.subscribeTypes,
		"max_concurrent", o.maxConcurrent,
		"trigger_count", len(o.registry.Triggers()),
	)

	var wg sync.WaitGroup
	if o.reclaimAfter > 0 && o.reclaimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.reclaimLoop(ctx)
		}()
	}

	semaphore := make(chan struct{}, o.maxConcurrent)
	for delivery := range deliveries {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil
		}

		wg.Add(1)
		go func(d stypes.Delivery) {
			defer wg.Done()
			defer func() { <-semaphore }()
			o.process(ctx, d)
		}(delivery)
	}

	wg.Wait()
	o.logger.Info("Orchestrator stopped")
	return nil
}

// reclaimLoop periodically returns stale processing records to pending.
func (o *Orchestrator) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(o.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.store.ReclaimStale(ctx, o.reclaimAfter)
			if err != nil {
				if ctx.Err() == nil {
					o.logger.Warn("Reclaim sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				o.logger.Info("Reclaimed stale events", "count", n)
			}
		}
	}
}

// process runs one claimed event through every registered trigger and settles
// the claim. Any trigger failure nacks the event as a whole; handlers must
// tolerate redelivery of triggers that already succeeded.
func (o *Orchestrator) process(ctx context.Context, d stypes.Delivery) {
	var (
		errs  []string
		fired int
	)
	for _, t := range o.registry.Triggers() {
		ok, err := o.fire(ctx, d.Event, t)
		if ok {
			fired++
		}
		if err != nil {
			o.logger.Error("Trigger execution failed",
				"trigger", t.Name,
				"event_id", d.Event.ID,
				"error", err,
			)
			errs = append(errs, fmt.Sprintf("%s: %v", t.Name, err))
		}
	}

	if fired == 0 && len(errs) == 0 {
		o.logger.Debug("No triggers matched", "event_id", d.Event.ID, "event_type", d.Event.Type)
	} else {
		o.logger.Info("Processed event",
			"event_id", d.Event.ID,
			"event_type", d.Event.Type,
			"trigger_count", fired,
		)
	}
	o.settle(ctx, d.Token, errs)
}

// fire evaluates one trigger against the event and, on a match, invokes its
// handler. The filter runs under the trigger's scope lock so that it reads
// the scope's working memory consistently with concurrent handlers mutating
// it. Returns whether the trigger matched.
func (o *Orchestrator) fire(ctx context.Context, evt events.Event, t *match.Trigger) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	handler := o.handlers[t.Handler]
	sc := t.Scope(evt)

	lockCtx, cancel := context.WithTimeout(ctx, o.lockTimeout)
	defer cancel()

	err = locks.With(lockCtx, o.locks, sc, func() error {
		mem := o.contexts.Get(sc)
		if !t.Filter.Matches(evt, mem) {
			return nil
		}
		fired = true
		mem.Add(evt)

		result, err := handler.Handle(ctx, &Invocation{
			Event:   evt,
			Trigger: t.Name,
			Scope:   sc,
			Memory:  mem,
			Publish: o.store.Publish,
		})
		if err != nil {
			return err
		}

		if result.Acted {
			o.logger.Info("Handler acted",
				"trigger", t.Name,
				"scope", sc,
				"output", result.Output,
			)
			mem.Clear()
		}
		return nil
	})
	return fired, err
}

// settle acks a clean run and nacks a failed one. Settling uses a background
// context so shutdown cannot strand a claim in processing.
func (o *Orchestrator) settle(ctx context.Context, token string, errs []string) {
	settleCtx := ctx
	if settleCtx.Err() != nil {
		settleCtx = context.Background()
	}

	if len(errs) == 0 {
		if err := o.store.Ack(settleCtx, token); err != nil {
			o.logger.Error("Failed to ack event", "token", token, "error", err)
		}
		return
	}
	if err := o.store.Nack(settleCtx, token, strings.Join(errs, "; ")); err != nil {
		o.logger.Error("Failed to nack event", "token", token, "error", err)
	}
}

// RunOnce pushes a single event through every registered trigger synchronously,
// without touching claim state. Intended for tests and debugging.
func (o *Orchestrator) RunOnce(ctx context.Context, evt events.Event) []error {
	var errs []error
	for _, t := range o.registry.Triggers() {
		if _, err := o.fire(ctx, evt, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return errs
}

// Memory exposes the working memory for a scope. Inspection only; mutating
// the returned context without holding the scope lock is a race.
func (o *Orchestrator) Memory(scopeKey string) *scope.Context {
	return o.contexts.Get(scopeKey)
}
