package flow

import (
	"context"

	"github.com/dshills/flowgraph-go/flow/eval"
)

// Well-known ports emitted by the built-in control-flow vertices. Edges
// select them via SourcePort.
const (
	PortTrueBranch  = "TrueBranch"
	PortFalseBranch = "FalseBranch"
	PortDefault     = "Default"
)

// branchVertex evaluates a boolean condition and completes on the
// TrueBranch or FalseBranch port.
type branchVertex struct {
	eval      eval.Evaluator
	condition string
	vertexID  string
}

type branchConfig struct {
	Condition string `json:"condition"`
}

func (b *branchVertex) Initialize(desc VertexDescriptor) error {
	var cfg branchConfig
	if err := decodeConfig(desc.Config, &cfg); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid branch config", Cause: err}
	}
	if cfg.Condition == "" {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "branch requires a condition expression"}
	}
	b.condition = cfg.Condition
	b.vertexID = desc.ID
	return nil
}

func (b *branchVertex) Execute(_ context.Context, ec *ExecContext) (Result, error) {
	out, err := b.eval.Evaluate(b.condition, exprVars(ec))
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: b.vertexID, Message: "condition evaluation failed", Cause: err}
	}
	pass, err := eval.Bool(out)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: b.vertexID, Message: "condition is not boolean", Cause: err}
	}
	port := PortFalseBranch
	if pass {
		port = PortTrueBranch
	}
	return Result{
		Port: port,
		Output: map[string]any{
			"BranchTaken":     port,
			"ConditionResult": pass,
		},
	}, nil
}

// exprVars is the standard environment for vertex-level expressions:
// the inbound output bag under "input" plus a snapshot of the globals.
// Guard expressions use a parallel shape with "output" instead.
func exprVars(ec *ExecContext) map[string]any {
	return map[string]any{
		"input":   ec.Input,
		"globals": ec.Globals.Snapshot(),
	}
}
