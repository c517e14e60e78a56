package flow

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxSubflowDepth bounds subflow nesting when the configuration
// leaves the limit unset.
const DefaultMaxSubflowDepth = 10

// subflowVertex runs a child workflow to completion inside the parent run.
//
// The child gets an isolated global bag seeded through InputMappings;
// results flow back through OutputMappings after the child reaches a
// terminal state. Cancellation of the parent propagates through the
// execution context.
type subflowVertex struct {
	child    *Graph
	path     string
	cfg      subflowConfig
	vertexID string
}

type subflowConfig struct {
	// Graph holds an inline child workflow definition.
	Graph map[string]any `json:"graph"`

	// Path references an external definition resolved through the
	// engine's graph decoder.
	Path string `json:"path"`

	// InputMappings seed the child globals: child variable name to
	// parent global name.
	InputMappings map[string]string `json:"input_mappings"`

	// OutputMappings copy results back: parent global name to child
	// variable name.
	OutputMappings map[string]string `json:"output_mappings"`

	TimeoutSeconds float64 `json:"timeout_seconds"`
	MaxDepth       int     `json:"max_depth"`
}

func (s *subflowVertex) Initialize(desc VertexDescriptor) error {
	if err := decodeConfig(desc.Config, &s.cfg); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid subflow config", Cause: err}
	}
	if s.cfg.Graph == nil && s.cfg.Path == "" {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "subflow requires an inline graph or a path"}
	}
	if s.cfg.Graph != nil {
		var g Graph
		if err := decodeConfig(s.cfg.Graph, &g); err != nil {
			return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid inline subflow graph", Cause: err}
		}
		if err := g.Validate(); err != nil {
			return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "inline subflow graph failed validation", Cause: err}
		}
		s.child = &g
	}
	s.path = s.cfg.Path
	if s.cfg.MaxDepth <= 0 {
		s.cfg.MaxDepth = DefaultMaxSubflowDepth
	}
	s.vertexID = desc.ID
	return nil
}

func (s *subflowVertex) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	if ec.depth+1 > s.cfg.MaxDepth {
		return Result{}, &Error{
			Kind:     ErrKindExecution,
			VertexID: s.vertexID,
			Message:  fmt.Sprintf("subflow depth %d exceeds limit %d", ec.depth+1, s.cfg.MaxDepth),
			Cause:    ErrMaxDepthExceeded,
		}
	}

	child := s.child
	if child == nil {
		decoded, err := ec.engine.decodeGraph(s.path)
		if err != nil {
			return Result{}, &Error{Kind: ErrKindExecution, VertexID: s.vertexID, Message: "loading subflow definition failed", Cause: err}
		}
		child = decoded
	}

	seed := make(map[string]any, len(s.cfg.InputMappings))
	for childVar, parentVar := range s.cfg.InputMappings {
		if v, ok := ec.Globals.Get(parentVar); ok {
			seed[childVar] = v
		}
	}

	runCtx := ctx
	if s.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	eng, err := ec.engine.childEngine(child, nil, child.MaxConcurrency)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: s.vertexID, Message: "building subflow engine failed", Cause: err}
	}
	res, err := eng.Run(runCtx, seed)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: s.vertexID, Message: "subflow run failed", Cause: err}
	}

	switch res.Status {
	case StatusCompleted:
	case StatusCancelled:
		return Result{}, &Error{Kind: ErrKindCancelled, VertexID: s.vertexID, Message: "subflow cancelled"}
	default:
		msg := "subflow failed"
		if res.FirstError != nil {
			msg = fmt.Sprintf("subflow failed at %s: %s", res.FirstError.VertexID, res.FirstError.Message)
		}
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: s.vertexID, Message: msg}
	}

	output := make(map[string]any, len(s.cfg.OutputMappings)+1)
	for parentVar, childVar := range s.cfg.OutputMappings {
		if v, ok := res.Globals[childVar]; ok {
			ec.Globals.Set(parentVar, v)
			output[parentVar] = v
		}
	}
	output["SubflowRunID"] = res.RunID
	return Result{Output: output}, nil
}
