// Package cel provides a CEL-based implementation of the script executor
// port. Filter rules, transformer steps and lifecycle scripts are CEL
// expressions evaluated against the message scope.
package cel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/interlock-hie/interlock/internal/domain/script"
)

// maxExpressionLength is the maximum allowed length for script expressions.
const maxExpressionLength = 8192

// maxCostBudget is the CEL runtime cost limit, bounding pathological
// expressions.
const maxCostBudget = 1_000_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Executor compiles and evaluates scripts, caching compiled programs by
// source text.
type Executor struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewExecutor creates an executor with the message scope environment.
func NewExecutor() (*Executor, error) {
	env, err := NewScriptEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create script environment: %w", err)
	}
	return &Executor{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// compile parses, checks and caches a script.
func (e *Executor) compile(source string) (cel.Program, error) {
	e.mu.Lock()
	prg, ok := e.programs[source]
	e.mu.Unlock()
	if ok {
		return prg, nil
	}

	if err := e.ValidateExpression(source); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	e.mu.Lock()
	e.programs[source] = prg
	e.mu.Unlock()
	return prg, nil
}

// ValidateExpression checks that a script is syntactically valid and within
// the safety limits, without evaluating it.
func (e *Executor) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	return validateNesting(expr)
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Execute evaluates the script against the scope. Isolation holds because
// CEL expressions are pure: the only state a script reaches is the bound
// maps, and writes travel back through the returned value.
func (e *Executor) Execute(ctx context.Context, source string, scope script.Scope) (any, error) {
	prg, err := e.compile(source)
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, BuildActivation(scope))
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return toNative(result)
}

var mapStrAnyType = reflect.TypeOf(map[string]any{})

// toNative converts a CEL result into the plain Go values the pipeline
// interprets: bool, string, int64, uint64, float64, map[string]any, []any or
// nil. Nested maps and lists are normalized recursively; CEL map values
// otherwise surface as map[ref.Val]ref.Val.
func toNative(val ref.Val) (any, error) {
	if _, ok := val.(types.Null); ok {
		return nil, nil
	}
	switch v := val.Value().(type) {
	case nil, bool, string, int64, uint64, float64:
		return v, nil
	}
	if native, err := val.ConvertToNative(mapStrAnyType); err == nil {
		return normalize(native), nil
	}
	if native, err := val.ConvertToNative(reflect.TypeOf([]any{})); err == nil {
		return normalize(native), nil
	}
	return nil, fmt.Errorf("unsupported script result type %T", val.Value())
}

// normalize rewrites nested CEL values into plain Go maps and slices.
func normalize(v any) any {
	switch t := v.(type) {
	case ref.Val:
		if n, err := toNative(t); err == nil {
			return n
		}
		return t.Value()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[ref.Val]ref.Val:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, ok := k.Value().(string)
			if !ok {
				continue
			}
			out[key] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// Compile-time interface verification.
var _ script.Executor = (*Executor)(nil)
