package flow

import (
	"context"
	"fmt"
)

// Container execution modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// containerVertex groups a private child graph and runs it as one unit.
//
// Unlike a subflow, container children share the parent's global bag. The
// container completes only when every child completes; a failing child
// fails the container with the child's error attached.
type containerVertex struct {
	child    *Graph
	mode     string
	vertexID string
}

type containerConfig struct {
	Vertices []VertexDescriptor `json:"vertices"`
	Edges    []EdgeDescriptor   `json:"edges"`

	// Mode is "sequential" (children run one at a time) or "parallel"
	// (the default: children run with unbounded concurrency).
	Mode string `json:"mode"`
}

func (c *containerVertex) Initialize(desc VertexDescriptor) error {
	var cfg containerConfig
	if err := decodeConfig(desc.Config, &cfg); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid container config", Cause: err}
	}
	if len(cfg.Vertices) == 0 {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "container requires at least one child vertex"}
	}
	switch cfg.Mode {
	case "", ModeParallel:
		c.mode = ModeParallel
	case ModeSequential:
		c.mode = ModeSequential
	default:
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: fmt.Sprintf("unknown container mode %q", cfg.Mode)}
	}
	child := &Graph{
		ID:       desc.ID + "/children",
		Vertices: cfg.Vertices,
		Edges:    cfg.Edges,
	}
	if err := child.Validate(); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "container child graph failed validation", Cause: err}
	}
	c.child = child
	c.vertexID = desc.ID
	return nil
}

func (c *containerVertex) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	maxConc := 0
	if c.mode == ModeSequential {
		maxConc = 1
	}
	eng, err := ec.engine.childEngine(c.child, ec.Globals, maxConc)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: c.vertexID, Message: "building container engine failed", Cause: err}
	}
	res, err := eng.Run(ctx, nil)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: c.vertexID, Message: "container run failed", Cause: err}
	}

	children := make(map[string]any, len(res.Instances))
	for _, inst := range res.Instances {
		children[inst.VertexID] = map[string]any{
			"status": string(inst.Status),
			"output": inst.Output,
		}
	}

	switch res.Status {
	case StatusCompleted:
		return Result{Output: map[string]any{"children": children}}, nil
	case StatusCancelled:
		return Result{}, &Error{Kind: ErrKindCancelled, VertexID: c.vertexID, Message: "container cancelled"}
	default:
		msg := "container child failed"
		if res.FirstError != nil {
			msg = fmt.Sprintf("container child %s failed: %s", res.FirstError.VertexID, res.FirstError.Message)
		}
		return Result{}, &Error{Kind: ErrKindExecution, VertexID: c.vertexID, Message: msg}
	}
}
