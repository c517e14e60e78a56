package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/flowgraph-go/flow/eval"
)

// Result is the output of one vertex activation: the output bag plus the
// port the vertex chose for its outbound Complete event (empty for the
// default port).
type Result struct {
	Output map[string]any
	Port   string
}

// Vertex is a unit of work in the graph.
//
// Initialize validates the kind-specific configuration bag and must return
// an error on any defect; it runs before any worker starts and its failure
// is fatal to the run. Execute performs the work; it must observe ctx
// cancellation promptly and must not retain references to the input bag
// past return.
type Vertex interface {
	Initialize(desc VertexDescriptor) error
	Execute(ctx context.Context, ec *ExecContext) (Result, error)
}

// UserFunc is a plain-function vertex body, registered on a Registry under
// a handler name and referenced from task (and while-loop body)
// configuration.
type UserFunc func(ctx context.Context, ec *ExecContext) (Result, error)

// ExecContext carries the per-activation view handed to Execute.
//
// Globals is the shared mutable workflow bag: concurrent writes are
// possible and last-writer-wins. Input is owned by the worker for the
// duration of the call.
type ExecContext struct {
	RunID    string
	VertexID string
	Globals  *Vars

	// Input is the inbound message's output bag.
	Input map[string]any

	// Port is the target-port hint from the edge that delivered the
	// message, when one was set.
	Port string

	// Msg is the full inbound message, including any compensation
	// context.
	Msg Message

	engine   *Engine
	depth    int
	emitNext func(bag map[string]any, iteration int)
	progress func(percent float64, msg string)
}

// EmitNext publishes an iteration event on the vertex's outbound edges
// while Execute is still running. Used by loop vertices; each call fans out
// one Next message per matching edge.
func (ec *ExecContext) EmitNext(bag map[string]any, iteration int) {
	if ec.emitNext != nil {
		ec.emitNext(bag, iteration)
	}
}

// Progress publishes a NodeProgress event for observers.
func (ec *ExecContext) Progress(percent float64, msg string) {
	if ec.progress != nil {
		ec.progress(percent, msg)
	}
}

// Factory builds vertex implementations from descriptors. The engine is
// keyed on nothing else: built-in and user-supplied kinds go through the
// same seam.
type Factory interface {
	Build(desc VertexDescriptor) (Vertex, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(desc VertexDescriptor) (Vertex, error)

// Build implements Factory.
func (f FactoryFunc) Build(desc VertexDescriptor) (Vertex, error) { return f(desc) }

// Registry is the default Factory. It builds the built-in control-flow
// kinds, resolves task handler names to registered UserFuncs, and lets
// callers plug custom kinds in.
type Registry struct {
	eval     eval.Evaluator
	handlers map[string]UserFunc
	custom   map[VertexKind]FactoryFunc
}

// NewRegistry creates a registry using the given evaluator for expression
// based vertices. A nil evaluator defaults to the expr-lang implementation.
func NewRegistry(ev eval.Evaluator) *Registry {
	if ev == nil {
		ev = eval.NewExpr()
	}
	return &Registry{
		eval:     ev,
		handlers: make(map[string]UserFunc),
		custom:   make(map[VertexKind]FactoryFunc),
	}
}

// RegisterTask registers a handler under a name referenced by task
// configuration ("handler" key, defaulting to the vertex id).
func (r *Registry) RegisterTask(name string, fn UserFunc) {
	r.handlers[name] = fn
}

// RegisterKind plugs a custom vertex kind into the registry, overriding a
// built-in of the same name.
func (r *Registry) RegisterKind(kind VertexKind, build FactoryFunc) {
	r.custom[kind] = build
}

// Build implements Factory.
func (r *Registry) Build(desc VertexDescriptor) (Vertex, error) {
	if build, ok := r.custom[desc.Kind]; ok {
		return build(desc)
	}
	switch desc.Kind {
	case KindTask:
		return &taskVertex{registry: r}, nil
	case KindBranch:
		return &branchVertex{eval: r.eval}, nil
	case KindSwitch:
		return &switchVertex{eval: r.eval}, nil
	case KindForeach:
		return &foreachVertex{eval: r.eval}, nil
	case KindWhile:
		return &whileVertex{eval: r.eval, registry: r}, nil
	case KindSubflow:
		return &subflowVertex{}, nil
	case KindContainer:
		return &containerVertex{}, nil
	default:
		return nil, &Error{
			Kind:     ErrKindInit,
			VertexID: desc.ID,
			Message:  fmt.Sprintf("no implementation registered for kind %q", desc.Kind),
		}
	}
}

// decodeConfig validates a configuration bag into a typed struct via a JSON
// round trip. The raw bag is never consulted after Initialize.
func decodeConfig(bag map[string]any, out any) error {
	data, err := json.Marshal(bag)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// taskVertex runs a registered user function.
type taskVertex struct {
	registry *Registry
	handler  UserFunc
	static   map[string]any
	port     string
}

type taskConfig struct {
	Handler string         `json:"handler"`
	Output  map[string]any `json:"output"`
	Port    string         `json:"port"`
}

func (t *taskVertex) Initialize(desc VertexDescriptor) error {
	var cfg taskConfig
	if err := decodeConfig(desc.Config, &cfg); err != nil {
		return &Error{Kind: ErrKindInit, VertexID: desc.ID, Message: "invalid task config", Cause: err}
	}
	name := cfg.Handler
	if name == "" {
		name = desc.ID
	}
	t.handler = t.registry.handlers[name]
	t.static = cfg.Output
	t.port = cfg.Port
	if t.handler == nil && t.static == nil {
		return &Error{
			Kind:     ErrKindInit,
			VertexID: desc.ID,
			Message:  fmt.Sprintf("no handler registered as %q and no static output configured", name),
		}
	}
	return nil
}

func (t *taskVertex) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	if t.handler == nil {
		// Static task: returns its configured output unchanged.
		return Result{Output: cloneBag(t.static), Port: t.port}, nil
	}
	res, err := t.handler(ctx, ec)
	if err != nil {
		return Result{}, err
	}
	if res.Port == "" {
		res.Port = t.port
	}
	for k, v := range t.static {
		if _, exists := res.Output[k]; !exists {
			if res.Output == nil {
				res.Output = make(map[string]any)
			}
			res.Output[k] = v
		}
	}
	return res, nil
}
