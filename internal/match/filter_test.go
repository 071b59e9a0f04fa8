package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/scope"
)

func makeEvent(t *testing.T, eventType, source string, payload any) events.Event {
	t.Helper()
	evt, err := events.New(eventType, source, payload)
	require.NoError(t, err)
	return evt
}

func TestType(t *testing.T) {
	t.Parallel()

	f := Type("ws.message", "http.request")
	assert.True(t, f.Matches(makeEvent(t, "ws.message", "conn-1", nil), nil))
	assert.True(t, f.Matches(makeEvent(t, "http.request", "api", nil), nil))
	assert.False(t, f.Matches(makeEvent(t, "timer.tick", "scheduler", nil), nil))
}

func TestSource(t *testing.T) {
	t.Parallel()

	f, err := Source(`^ws:client-\d+$`)
	require.NoError(t, err)

	assert.True(t, f.Matches(makeEvent(t, "ws.message", "ws:client-42", nil), nil))
	assert.False(t, f.Matches(makeEvent(t, "ws.message", "http:api", nil), nil))

	_, err = Source(`[unclosed`)
	assert.Error(t, err)
}

func TestKeyword(t *testing.T) {
	t.Parallel()

	f := Keyword("error", "exception")
	hit := makeEvent(t, "app.log", "svc", map[string]string{"message": "An ERROR occurred"})
	miss := makeEvent(t, "app.log", "svc", map[string]string{"message": "all good"})

	assert.True(t, f.Matches(hit, nil))
	assert.False(t, f.Matches(miss, nil))

	exact := KeywordCaseSensitive("ERROR")
	assert.True(t, exact.Matches(hit, nil))
	assert.False(t, exact.Matches(makeEvent(t, "app.log", "svc", map[string]string{"message": "error"}), nil))
}

// The algebra laws: combined filters agree with the boolean combination of
// their operands, for every sampled event.
func TestFilterAlgebra(t *testing.T) {
	t.Parallel()

	a := Type("ws.message")
	b, err := Source(`^ws:`)
	require.NoError(t, err)

	samples := []events.Event{
		makeEvent(t, "ws.message", "ws:client-1", nil),
		makeEvent(t, "ws.message", "http:api", nil),
		makeEvent(t, "timer.tick", "ws:client-1", nil),
		makeEvent(t, "timer.tick", "scheduler", nil),
	}

	mem := scope.NewContext("test")
	for _, evt := range samples {
		assert.Equal(t, a.Matches(evt, mem) && b.Matches(evt, mem), All(a, b).Matches(evt, mem))
		assert.Equal(t, a.Matches(evt, mem) || b.Matches(evt, mem), Any(a, b).Matches(evt, mem))
		assert.Equal(t, !a.Matches(evt, mem), Not(a).Matches(evt, mem))
	}
}

// Stateful operands are evaluated even when an earlier operand already
// decided the outcome.
func TestCombinatorsEvaluateEveryOperand(t *testing.T) {
	t.Parallel()

	evt := makeEvent(t, "ws.message", "conn-1", nil)

	calls := 0
	counting := FilterFunc(func(events.Event, *scope.Context) bool {
		calls++
		return true
	})

	All(Type("nope"), counting).Matches(evt, nil)
	assert.Equal(t, 1, calls, "And must not short-circuit")

	calls = 0
	Any(Type("ws.message"), counting).Matches(evt, nil)
	assert.Equal(t, 1, calls, "Or must not short-circuit")
}
