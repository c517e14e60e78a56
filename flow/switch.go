package flow

import (
	"context"

	"github.com/dshills/flowgraph-go/flow/eval"
)

// switchVertex evaluates an expression and completes on the port mapped to
// the matching case, or on Default when no case matches.
type switchVertex struct {
	eval       eval.Evaluator
	expression string
	cases      map[string]string
	vertexID   string
}

type switchConfig struct {
	Expression string `json:"expression"`

	// Cases maps a candidate value to a port name. An empty port name
	// uses the case value itself as the port.
	Cases map[string]string `json:"cases"`
}

func (s *switchVertex) Initialize(desc VertexDescriptor) error {
	var cfg switchConfig
	if err := decodeConfig(desc.Config, &cfg); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid switch config", Cause: err}
	}
	if cfg.Expression == "" {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "switch requires an expression"}
	}
	s.expression = cfg.Expression
	s.cases = cfg.Cases
	s.vertexID = desc.ID
	return nil
}

func (s *switchVertex) Execute(_ context.Context, ec *ExecContext) (Result, error) {
	out, err := s.eval.Evaluate(s.expression, exprVars(ec))
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: s.vertexID, Message: "switch evaluation failed", Cause: err}
	}
	value := eval.Str(out)
	port := PortDefault
	matched := false
	if mapped, ok := s.cases[value]; ok {
		matched = true
		port = mapped
		if port == "" {
			port = value
		}
	}
	return Result{
		Port: port,
		Output: map[string]any{
			"SwitchValue": value,
			"CaseMatched": matched,
		},
	}, nil
}
