package match

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/scope"
)

// exprEnv compiles and caches CEL programs. One shared environment serves
// all Expr filters in the process.
type exprEnv struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

var (
	sharedExprEnv     *exprEnv
	sharedExprEnvOnce sync.Once
	sharedExprEnvErr  error
)

func getExprEnv() (*exprEnv, error) {
	sharedExprEnvOnce.Do(func() {
		env, err := cel.NewEnv(
			cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		)
		if err != nil {
			sharedExprEnvErr = err
			return
		}
		sharedExprEnv = &exprEnv{
			env:      env,
			programs: make(map[string]cel.Program),
		}
	})
	return sharedExprEnv, sharedExprEnvErr
}

func (e *exprEnv) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.programs[expression] = prg
	return prg, nil
}

// Expr matches events against a CEL expression over an `event` variable with
// `id`, `type`, `source`, `timestamp` and the decoded `payload`.
//
//	Expr(`event.type == "http.request" && event.payload.method == "POST"`)
type Expr struct {
	prg cel.Program
}

// NewExpr compiles the expression. Compilation errors surface here, not at
// match time; an expression that does not evaluate to a boolean simply does
// not match.
func NewExpr(expression string) (*Expr, error) {
	env, err := getExprEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL environment: %w", err)
	}
	prg, err := env.program(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}
	return &Expr{prg: prg}, nil
}

func (x *Expr) Matches(evt events.Event, _ *scope.Context) bool {
	input := map[string]any{
		"event": map[string]any{
			"id":        evt.ID,
			"type":      evt.Type,
			"source":    evt.Source,
			"timestamp": evt.Timestamp,
			"payload":   decodePayload(evt.Payload),
		},
	}

	out, _, err := x.prg.Eval(input)
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{}
	}
	return decoded
}
