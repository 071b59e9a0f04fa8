package locks

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
)

// Postgres is a cross-process Locker built on session-level advisory locks.
// Each held scope pins one pooled connection, since advisory locks belong to
// the session that took them.
type Postgres struct {
	db *sql.DB

	mu   sync.Mutex
	held map[string]*sql.Conn
}

// NewPostgres creates an advisory-lock backed locker on an existing pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, held: make(map[string]*sql.Conn)}
}

// lockKey maps a scope string to the advisory lock keyspace. BLAKE3 keeps
// distinct scopes from colliding at any realistic scope cardinality.
func lockKey(scope string) int64 {
	sum := blake3.Sum256([]byte(scope))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Acquire takes the advisory lock for the scope, blocking in the database
// until it is granted or ctx is done.
func (p *Postgres) Acquire(ctx context.Context, scope string) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockKey(scope)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to acquire lock for %q: %w", scope, err)
	}

	p.mu.Lock()
	p.held[scope] = conn
	p.mu.Unlock()
	return nil
}

// Release frees the advisory lock and returns its connection to the pool.
func (p *Postgres) Release(scope string) error {
	p.mu.Lock()
	conn, ok := p.held[scope]
	delete(p.held, scope)
	p.mu.Unlock()

	if !ok {
		return ErrNotHeld
	}
	defer conn.Close()

	if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey(scope)); err != nil {
		return fmt.Errorf("failed to release lock for %q: %w", scope, err)
	}
	return nil
}

// IsLocked probes the advisory lock without blocking. A successful probe is
// immediately undone.
func (p *Postgres) IsLocked(scope string) bool {
	p.mu.Lock()
	_, heldLocally := p.held[scope]
	p.mu.Unlock()
	if heldLocally {
		return true
	}

	// Probe and undo on the same connection; advisory locks are session
	// scoped, so the unlock must not land on a different pooled session.
	ctx := context.Background()
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false
	}
	defer conn.Close()

	var free bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(scope)).Scan(&free); err != nil {
		return false
	}
	if free {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey(scope))
	}
	return !free
}

// Close releases every lock still held by this process.
func (p *Postgres) Close() error {
	p.mu.Lock()
	held := p.held
	p.held = make(map[string]*sql.Conn)
	p.mu.Unlock()

	var firstErr error
	for scope, conn := range held {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey(scope)); err != nil && firstErr == nil {
			firstErr = err
		}
		conn.Close()
	}
	return firstErr
}
