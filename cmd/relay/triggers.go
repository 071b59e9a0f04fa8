package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/relay/internal/match"
	"github.com/syntrixbase/relay/internal/orchestrator"
)

// The built-in trigger set. Deployments embedding relay as a library build
// their own registry; the standalone binary ships with housekeeping triggers
// that exercise the pipeline end to end.
func registerBuiltinTriggers(registry *match.Registry) error {
	triggers := []*match.Trigger{
		{
			Name:     "lifecycle-audit",
			Filter:   match.Type("lifecycle"),
			Handler:  "audit",
			Priority: 100,
		},
		{
			Name: "error-burst-alert",
			Filter: match.All(
				match.Type("app.error"),
				match.NewDedupe(nil, 10*time.Second, 0),
			),
			Handler:  "error-burst",
			Priority: 50,
		},
	}

	for _, t := range triggers {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("failed to register trigger %q: %w", t.Name, err)
		}
	}
	return nil
}

func builtinHandlers() map[string]orchestrator.Handler {
	return map[string]orchestrator.Handler{
		"audit":       orchestrator.HandlerFunc(auditHandler),
		"error-burst": orchestrator.HandlerFunc(errorBurstHandler),
	}
}

// auditHandler logs lifecycle transitions. Always acts so lifecycle noise
// never accumulates in working memory.
func auditHandler(_ context.Context, inv *orchestrator.Invocation) (orchestrator.Result, error) {
	slog.Info("Lifecycle event",
		"event_id", inv.Event.ID,
		"source", inv.Event.Source,
	)
	return orchestrator.Result{Acted: true, Output: "logged"}, nil
}

// errorBurstHandler waits for three errors from one scope inside a minute,
// then raises a digest into the log and resets the scope's memory.
func errorBurstHandler(_ context.Context, inv *orchestrator.Invocation) (orchestrator.Result, error) {
	recent := inv.Memory.Window(time.Minute)
	if len(recent) < 3 {
		return orchestrator.NoAction, nil
	}

	slog.Warn("Error burst detected",
		"scope", inv.Scope,
		"count", len(recent),
		"summary", inv.Memory.Summarize(5),
	)
	return orchestrator.Result{Acted: true, Output: fmt.Sprintf("%d errors in window", len(recent))}, nil
}
