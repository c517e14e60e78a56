package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/flowgraph-go/flow/eval"
)

// DefaultMaxIterations bounds while loops that never configure a limit.
const DefaultMaxIterations = 1000

// whileVertex re-evaluates a condition before each iteration and emits one
// Next event per iteration. An optional body handler runs inside the loop
// so its writes to the globals are visible to the next condition check.
// Hitting the iteration cap is a failure, not a quiet exit.
type whileVertex struct {
	eval     eval.Evaluator
	registry *Registry

	condition string
	body      UserFunc
	maxIter   int
	vertexID  string
}

type whileConfig struct {
	Condition string `json:"condition"`

	// Handler optionally names a registered UserFunc executed once per
	// iteration, before the Next event for that iteration is emitted.
	Handler string `json:"handler"`

	MaxIterations int `json:"max_iterations"`
}

func (w *whileVertex) Initialize(desc VertexDescriptor) error {
	var cfg whileConfig
	if err := decodeConfig(desc.Config, &cfg); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid while config", Cause: err}
	}
	if cfg.Condition == "" {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "while requires a condition expression"}
	}
	if cfg.Handler != "" {
		w.body = w.registry.handlers[cfg.Handler]
		if w.body == nil {
			return &Error{
				Kind:     ErrKindInit,
				VertexID: desc.ID,
				Message:  fmt.Sprintf("no handler registered as %q", cfg.Handler),
			}
		}
	}
	w.condition = cfg.Condition
	w.maxIter = cfg.MaxIterations
	if w.maxIter <= 0 {
		w.maxIter = DefaultMaxIterations
	}
	w.vertexID = desc.ID
	return nil
}

func (w *whileVertex) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			// The execution deadline is a timeout failure, not a
			// cancellation; only a cancelled context stops the run quietly.
			if errors.Is(err, context.DeadlineExceeded) {
				return Result{}, &Error{
					Kind:     ErrKindTimeout,
					VertexID: w.vertexID,
					Message:  fmt.Sprintf("deadline exceeded after %d iterations", iterations),
					Cause:    err,
				}
			}
			return Result{}, &Error{
				Kind:     ErrKindCancelled,
				VertexID: w.vertexID,
				Message:  fmt.Sprintf("cancelled after %d iterations", iterations),
				Cause:    err,
			}
		}
		out, err := w.eval.Evaluate(w.condition, exprVars(ec))
		if err != nil {
			return Result{}, &Error{Kind: ErrKindExecution, VertexID: w.vertexID, Message: "condition evaluation failed", Cause: err}
		}
		keepGoing, err := eval.Bool(out)
		if err != nil {
			return Result{}, &Error{Kind: ErrKindExecution, VertexID: w.vertexID, Message: "condition is not boolean", Cause: err}
		}
		if !keepGoing {
			return Result{Output: map[string]any{"iterations": iterations}}, nil
		}
		if iterations >= w.maxIter {
			return Result{}, &Error{
				Kind:     ErrKindExecution,
				VertexID: w.vertexID,
				Message:  fmt.Sprintf("iteration cap %d reached", w.maxIter),
			}
		}
		if w.body != nil {
			if _, err := w.body(ctx, ec); err != nil {
				return Result{}, err
			}
		}
		ec.EmitNext(map[string]any{"iteration": iterations}, iterations)
		iterations++
	}
}
