package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/flowgraph-go/flow/eval"
)

// foreachVertex iterates a collection expression, emitting one Next event
// per element while running, and completes with the element count. On
// cancellation mid-iteration the remaining elements are skipped.
type foreachVertex struct {
	eval       eval.Evaluator
	collection string
	itemVar    string
	vertexID   string
}

type foreachConfig struct {
	Collection string `json:"collection"`

	// ItemVariable names the key each element is published under in the
	// iteration bag; defaults to "item".
	ItemVariable string `json:"item_variable"`
}

func (f *foreachVertex) Initialize(desc VertexDescriptor) error {
	var cfg foreachConfig
	if err := decodeConfig(desc.Config, &cfg); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid foreach config", Cause: err}
	}
	if cfg.Collection == "" {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "foreach requires a collection expression"}
	}
	f.collection = cfg.Collection
	f.itemVar = cfg.ItemVariable
	if f.itemVar == "" {
		f.itemVar = "item"
	}
	f.vertexID = desc.ID
	return nil
}

func (f *foreachVertex) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	out, err := f.eval.Evaluate(f.collection, exprVars(ec))
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: f.vertexID, Message: "collection evaluation failed", Cause: err}
	}
	items, err := eval.List(out)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: f.vertexID, Message: "collection is not a list", Cause: err}
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Result{}, &Error{
					Kind:     ErrKindTimeout,
					VertexID: f.vertexID,
					Message:  fmt.Sprintf("deadline exceeded after %d of %d elements", i, len(items)),
					Cause:    err,
				}
			}
			return Result{}, &Error{
				Kind:     ErrKindCancelled,
				VertexID: f.vertexID,
				Message:  fmt.Sprintf("cancelled after %d of %d elements", i, len(items)),
				Cause:    err,
			}
		}
		ec.EmitNext(map[string]any{
			f.itemVar: item,
			"index":   i,
		}, i)
	}
	return Result{Output: map[string]any{"count": len(items)}}, nil
}
