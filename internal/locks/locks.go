// Package locks provides scoped mutual exclusion: at most one holder per
// scope string at any time. The memory backend serializes within a single
// process; the postgres backend serializes across processes through advisory
// locks.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotHeld is returned when releasing a scope the caller does not hold.
var ErrNotHeld = errors.New("lock not held")

// Locker is a scope-keyed mutual exclusion primitive.
type Locker interface {
	// Acquire blocks until the scope's lock is held or ctx is done. Callers
	// bound the wait through the context deadline.
	Acquire(ctx context.Context, scope string) error

	// Release frees the scope's lock. Releasing an unheld scope returns
	// ErrNotHeld.
	Release(scope string) error

	// IsLocked reports whether some holder currently has the scope.
	IsLocked(scope string) bool

	// Close releases backend resources. Held locks should be released first.
	Close() error
}

// With runs fn while holding the scope's lock, releasing it on every exit
// path including panics.
func With(ctx context.Context, l Locker, scope string, fn func() error) error {
	if err := l.Acquire(ctx, scope); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(scope); err != nil {
			slog.Error("Failed to release scope lock", "scope", scope, "error", err)
		}
	}()
	return fn()
}

// Open builds the configured lock backend. The postgres backend requires a
// connection pool; the memory backend refuses nothing but only serializes
// handlers inside this process.
func Open(backend string, db *sql.DB) (Locker, error) {
	switch backend {
	case "memory":
		slog.Warn("Using in-process scope locks; handlers are NOT serialized across processes. " +
			"Configure locks.backend=postgres when running more than one instance.")
		return NewMemory(), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres lock backend requires a postgres connection")
		}
		return NewPostgres(db), nil
	default:
		return nil, fmt.Errorf("unknown locks backend: %q", backend)
	}
}
