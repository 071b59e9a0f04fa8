package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syntrixbase/relay/internal/config"
	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/locks"
	"github.com/syntrixbase/relay/internal/logging"
	"github.com/syntrixbase/relay/internal/match"
	"github.com/syntrixbase/relay/internal/orchestrator"
	"github.com/syntrixbase/relay/internal/store"
)

func main() {
	configDir := flag.String("config", ".", "Directory containing config.yml")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Shutdown()

	slog.Info("Relay starting",
		"storage", cfg.Storage.Backend,
		"locks", cfg.Locks.Backend,
		"notify", cfg.Notify.Backend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer ledger.Close()

	locker, lockDB, err := openLocks(cfg)
	if err != nil {
		return err
	}
	defer locker.Close()
	if lockDB != nil {
		defer lockDB.Close()
	}

	registry := match.NewRegistry()
	handlers := builtinHandlers()
	if err := registerBuiltinTriggers(registry); err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:           ledger,
		Locks:           locker,
		Registry:        registry,
		Handlers:        handlers,
		BatchSize:       cfg.Queue.BatchSize,
		MaxConcurrent:   cfg.Queue.MaxConcurrent,
		LockTimeout:     cfg.Queue.LockTimeout.Std(),
		ReclaimAfter:    cfg.Queue.ReclaimAfter.Std(),
		ReclaimInterval: cfg.Queue.ReclaimInterval.Std(),
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	publishLifecycle(ctx, ledger, events.LifecycleStarted, "")

	runErr := make(chan error, 1)
	go func() {
		runErr <- orch.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("orchestrator failed: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	publishLifecycle(shutdownCtx, ledger, events.LifecycleStopped, "")
	cancel()

	select {
	case <-runErr:
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timed out with handlers in flight")
	}

	slog.Info("Relay stopped")
	return nil
}

// openLocks builds the lock backend. The postgres backend gets its own small
// pool so it works even when the ledger runs on another store.
func openLocks(cfg *config.Config) (locks.Locker, *sql.DB, error) {
	if cfg.Locks.Backend != "postgres" {
		locker, err := locks.Open(cfg.Locks.Backend, nil)
		return locker, nil, err
	}

	db, err := sql.Open("postgres", cfg.Storage.Postgres.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres for locks: %w", err)
	}
	db.SetMaxOpenConns(cfg.Queue.MaxConcurrent + 2)

	locker, err := locks.Open(cfg.Locks.Backend, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return locker, db, nil
}

func publishLifecycle(ctx context.Context, ledger store.Store, action, details string) {
	evt, err := events.New(events.TypeLifecycle, "relay", events.LifecyclePayload{
		Action:  action,
		Details: details,
	})
	if err == nil {
		err = ledger.Publish(ctx, evt)
	}
	if err != nil {
		slog.Warn("Failed to publish lifecycle event", "action", action, "error", err)
	}
}
