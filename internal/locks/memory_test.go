package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SerializesSameScope(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Acquire(context.Background(), "scope-A"))

	second := make(chan error, 1)
	go func() {
		second <- m.Acquire(context.Background(), "scope-A")
	}()

	select {
	case <-second:
		t.Fatal("second acquire must block while the first holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Release("scope-A"))

	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestMemory_IndependentScopes(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Acquire(context.Background(), "scope-A"))
	require.NoError(t, m.Acquire(context.Background(), "scope-B"))

	assert.True(t, m.IsLocked("scope-A"))
	assert.True(t, m.IsLocked("scope-B"))

	require.NoError(t, m.Release("scope-A"))
	require.NoError(t, m.Release("scope-B"))
}

func TestMemory_AcquireTimeout(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Acquire(context.Background(), "scope-A"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Acquire(ctx, "scope-A")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_ReleaseUnheld(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	assert.ErrorIs(t, m.Release("never-held"), ErrNotHeld)
}

func TestWith_ReleasesOnError(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	err := With(context.Background(), m, "scope-A", func() error {
		assert.True(t, m.IsLocked("scope-A"))
		return errors.New("handler failed")
	})

	assert.Error(t, err)
	assert.False(t, m.IsLocked("scope-A"), "lock released on the error path")
}

func TestWith_ReleasesOnPanic(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	assert.Panics(t, func() {
		_ = With(context.Background(), m, "scope-A", func() error {
			panic("handler blew up")
		})
	})
	assert.False(t, m.IsLocked("scope-A"), "lock released on the panic path")
}

func TestWith_ConcurrentCriticalSections(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = With(context.Background(), m, "counter", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	l, err := Open("memory", nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, l)

	_, err = Open("postgres", nil)
	assert.Error(t, err, "postgres backend needs a connection")

	_, err = Open("zookeeper", nil)
	assert.Error(t, err)
}
