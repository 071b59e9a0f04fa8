package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/relay/internal/events"
)

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(&Trigger{Name: "chat", Filter: Type("ws.message"), Handler: "chat"}))

	assert.Error(t, r.Register(&Trigger{Name: "chat", Filter: Type("ws.message")}), "duplicate name")
	assert.Error(t, r.Register(&Trigger{Filter: Type("ws.message")}), "missing name")
	assert.Error(t, r.Register(&Trigger{Name: "no-filter"}), "missing filter")
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(&Trigger{Name: "chat", Filter: Type("ws.message")}))

	assert.True(t, r.Unregister("chat"))
	assert.False(t, r.Unregister("chat"))
	assert.Empty(t, r.Triggers())
}

func TestRegistry_TriggersOrderedByPriority(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(&Trigger{Name: "low", Filter: Type("ws.message"), Priority: 1}))
	require.NoError(t, r.Register(&Trigger{Name: "high", Filter: Type("ws.message"), Priority: 10}))
	require.NoError(t, r.Register(&Trigger{Name: "mid", Filter: Type("timer.tick"), Priority: 5}))

	triggers := r.Triggers()

	require.Len(t, triggers, 3)
	assert.Equal(t, "high", triggers[0].Name)
	assert.Equal(t, "mid", triggers[1].Name)
	assert.Equal(t, "low", triggers[2].Name)
}

func TestTrigger_ScopeKey(t *testing.T) {
	t.Parallel()

	evt := makeEvent(t, "ws.message", "ws:client-7", nil)

	byDefault := &Trigger{Name: "d", Filter: Type("ws.message")}
	assert.Equal(t, "ws:client-7", byDefault.Scope(evt))

	custom := &Trigger{
		Name:     "c",
		Filter:   Type("ws.message"),
		ScopeKey: func(e events.Event) string { return "user:" + e.Source },
	}
	assert.Equal(t, "user:ws:client-7", custom.Scope(evt))
}

