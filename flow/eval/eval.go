// Package eval defines the expression-evaluator seam used by control-flow
// vertices and router guards, plus a default implementation backed by
// expr-lang/expr.
//
// The engine is agnostic about the expression language; it only requires
// that expressions produce booleans (branch, while, guards) or stringifiable
// values (switch keys, foreach collections). Evaluated values are drawn from
// the tagged domain {bool, number, string, nil, list, map}.
package eval

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator maps a source-language-neutral text expression plus a variable
// bag to a typed result.
//
// The variable bag presents the subsets relevant to the call site:
// "globals", "input", and "output" maps.
type Evaluator interface {
	Evaluate(expression string, vars map[string]any) (any, error)
}

// Func adapts a plain function to the Evaluator interface.
type Func func(expression string, vars map[string]any) (any, error)

// Evaluate implements Evaluator.
func (f Func) Evaluate(expression string, vars map[string]any) (any, error) {
	return f(expression, vars)
}

// Expr is an Evaluator backed by expr-lang/expr. Compiled programs are
// cached per expression text; the cache is safe for concurrent use.
type Expr struct {
	programs sync.Map // expression -> *vm.Program
}

// NewExpr creates an expr-lang evaluator.
func NewExpr() *Expr { return &Expr{} }

// Evaluate compiles (or reuses) the expression and runs it against vars.
// Unknown identifiers resolve to nil rather than failing compilation, so
// guard expressions can reference keys that a particular event does not
// carry.
func (e *Expr) Evaluate(expression string, vars map[string]any) (any, error) {
	var program *vm.Program
	if cached, ok := e.programs.Load(expression); ok {
		program = cached.(*vm.Program)
	} else {
		compiled, err := expr.Compile(expression,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", expression, err)
		}
		e.programs.Store(expression, compiled)
		program = compiled
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return out, nil
}

// Bool coerces an evaluated value to a boolean. Only genuine booleans are
// accepted; anything else is an error so misconfigured conditions surface
// instead of silently branching.
func Bool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean result, got %T", v)
	}
	return b, nil
}

// Str converts an evaluated value to its case-sensitive string form, as
// used for switch case matching.
func Str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// List coerces an evaluated value to a sequence for foreach iteration.
// Lists iterate in order; a scalar becomes a single-element sequence; nil is
// empty.
func List(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, nil
	case []float64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, nil
	default:
		return []any{v}, nil
	}
}
