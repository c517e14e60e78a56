package flow

import (
	"fmt"
	"strings"
	"time"
)

// VertexKind discriminates vertex descriptor variants.
type VertexKind string

// Built-in vertex kinds. KindTrigger is reserved: codecs round-trip it but
// no built-in implementation is registered; a custom factory must supply
// one.
const (
	KindTask      VertexKind = "task"
	KindBranch    VertexKind = "branch"
	KindSwitch    VertexKind = "switch"
	KindForeach   VertexKind = "foreach"
	KindWhile     VertexKind = "while"
	KindSubflow   VertexKind = "subflow"
	KindContainer VertexKind = "container"
	KindTrigger   VertexKind = "trigger"
)

// Priority orders admission at the concurrency gates.
type Priority string

// Priorities. The zero value is treated as PriorityNormal.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank maps a priority to its drain order: high before normal before low.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// BreakerPolicy configures the per-vertex-kind circuit breaker.
type BreakerPolicy struct {
	// FailureThreshold is the failure rate (0..1] that opens the breaker
	// once MinimumThroughput calls have been observed.
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// MinimumThroughput is the number of calls in the current window
	// required before the failure rate is considered.
	MinimumThroughput uint32 `json:"minimum_throughput" yaml:"minimum_throughput"`

	// OpenDuration is the wall-clock time the breaker stays open before
	// probing with half-open calls.
	OpenDuration time.Duration `json:"open_duration" yaml:"open_duration"`

	// HalfOpenSuccesses is the number of consecutive half-open successes
	// required to close the breaker again.
	HalfOpenSuccesses uint32 `json:"half_open_successes" yaml:"half_open_successes"`
}

// VertexDescriptor declares one vertex of a workflow graph.
//
// Config is the kind-specific configuration bag; it is validated into a
// typed configuration by the vertex implementation's Initialize and never
// consulted afterwards.
type VertexDescriptor struct {
	ID   string     `json:"id" yaml:"id"`
	Name string     `json:"name,omitempty" yaml:"name,omitempty"`
	Kind VertexKind `json:"kind" yaml:"kind"`

	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`

	// MaxConcurrent caps concurrent executions across vertices sharing
	// this descriptor's type key. Zero means unbounded.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`

	Retry   *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Breaker *BreakerPolicy `json:"breaker,omitempty" yaml:"breaker,omitempty"`

	// FallbackID receives a synthetic event when this vertex's breaker is
	// open.
	FallbackID string `json:"fallback_id,omitempty" yaml:"fallback_id,omitempty"`

	// CompensationID receives a Complete event during the compensation
	// walk if this vertex completed before the workflow failed.
	CompensationID string `json:"compensation_id,omitempty" yaml:"compensation_id,omitempty"`

	// CompletionPort, when set, overrides an empty chosen port on the
	// vertex's outbound Complete event.
	CompletionPort string `json:"completion_port,omitempty" yaml:"completion_port,omitempty"`
}

// typeKey is the per-vertex-type discriminator used for kind gates.
func (d *VertexDescriptor) typeKey() string {
	return string(d.Kind) + "|" + d.Name
}

// EdgeDescriptor declares one directed dependency between two vertices.
//
// Triggers filters by message kind (empty means {Complete}). SourcePort
// filters by the port the source chose (empty matches any). Guard is an
// optional boolean expression evaluated against the source's output bag and
// the workflow globals. Disabled edges and compensation edges are ignored on
// normal flow.
type EdgeDescriptor struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`

	Triggers   []MessageKind `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	SourcePort string        `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	TargetPort string        `json:"target_port,omitempty" yaml:"target_port,omitempty"`
	Guard      string        `json:"guard,omitempty" yaml:"guard,omitempty"`

	// Priority orders enqueues across multiple matching targets,
	// ascending; ties break by declaration order.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	Disabled       bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	IsCompensation bool `json:"is_compensation,omitempty" yaml:"is_compensation,omitempty"`
}

// active reports whether the edge participates in normal (non-compensation)
// flow.
func (e *EdgeDescriptor) active() bool {
	return !e.Disabled && !e.IsCompensation
}

// triggersOn reports whether the edge fires for the given message kind.
// An empty trigger set defaults to {Complete}.
func (e *EdgeDescriptor) triggersOn(kind MessageKind) bool {
	if len(e.Triggers) == 0 {
		return kind == KindComplete
	}
	for _, k := range e.Triggers {
		if k == kind {
			return true
		}
	}
	return false
}

// Graph is an immutable workflow definition: vertices, edges, an optional
// explicit entry vertex, and workflow-wide limits.
type Graph struct {
	ID       string             `json:"id" yaml:"id"`
	Vertices []VertexDescriptor `json:"vertices" yaml:"vertices"`
	Edges    []EdgeDescriptor   `json:"edges,omitempty" yaml:"edges,omitempty"`

	// EntryID, when set, overrides entry-vertex detection.
	EntryID string `json:"entry_id,omitempty" yaml:"entry_id,omitempty"`

	// MaxConcurrency caps concurrently executing vertices across the whole
	// run. Zero means unbounded.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`

	// DefaultTimeout is the per-call execution timeout applied to vertices
	// without their own. Zero falls back to the engine default (10s).
	DefaultTimeout time.Duration `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`

	// AllowPause enables the Pause/Resume surface for runs of this graph.
	AllowPause bool `json:"allow_pause,omitempty" yaml:"allow_pause,omitempty"`
}

// Vertex returns the descriptor with the given id, or nil.
func (g *Graph) Vertex(id string) *VertexDescriptor {
	for i := range g.Vertices {
		if g.Vertices[i].ID == id {
			return &g.Vertices[i]
		}
	}
	return nil
}

// ValidationError reports a structural defect in a graph definition.
type ValidationError struct {
	GraphID string
	Message string
}

func (e *ValidationError) Error() string {
	if e.GraphID != "" {
		return "graph " + e.GraphID + ": " + e.Message
	}
	return "graph: " + e.Message
}

func (g *Graph) invalid(format string, args ...any) error {
	return &ValidationError{GraphID: g.ID, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the graph for structural defects: empty or duplicate
// vertex ids, unknown edge endpoints and policy references, invalid
// policies, and cycles across enabled non-compensation edges. Validation
// errors are fatal before any worker starts.
func (g *Graph) Validate() error {
	if len(g.Vertices) == 0 {
		return g.invalid("no vertices")
	}
	ids := make(map[string]bool, len(g.Vertices))
	for i := range g.Vertices {
		v := &g.Vertices[i]
		if v.ID == "" {
			return g.invalid("vertex %d: empty id", i)
		}
		if ids[v.ID] {
			return g.invalid("duplicate vertex id %q", v.ID)
		}
		ids[v.ID] = true
		if v.Kind == "" {
			return g.invalid("vertex %q: empty kind", v.ID)
		}
		if err := v.Retry.Validate(); err != nil {
			return g.invalid("vertex %q: %v", v.ID, err)
		}
		if v.FallbackID != "" && v.FallbackID == v.ID {
			return g.invalid("vertex %q: fallback refers to itself", v.ID)
		}
	}
	for i := range g.Vertices {
		v := &g.Vertices[i]
		if v.FallbackID != "" && !ids[v.FallbackID] {
			return g.invalid("vertex %q: unknown fallback vertex %q", v.ID, v.FallbackID)
		}
		if v.CompensationID != "" && !ids[v.CompensationID] {
			return g.invalid("vertex %q: unknown compensation vertex %q", v.ID, v.CompensationID)
		}
	}
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.Source == "" || e.Target == "" {
			return g.invalid("edge %d: empty endpoint", i)
		}
		if !ids[e.Source] {
			return g.invalid("edge %d: unknown source vertex %q", i, e.Source)
		}
		if !ids[e.Target] {
			return g.invalid("edge %d: unknown target vertex %q", i, e.Target)
		}
	}
	if g.EntryID != "" && !ids[g.EntryID] {
		return g.invalid("unknown entry vertex %q", g.EntryID)
	}
	if cycle := g.findCycle(); cycle != nil {
		return g.invalid("cycle detected: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle runs a DFS over enabled non-compensation edges and returns the
// vertex ids forming the first cycle found, or nil.
func (g *Graph) findCycle() []string {
	adj := make(map[string][]string)
	for i := range g.Edges {
		e := &g.Edges[i]
		if !e.active() {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Vertices))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch state[next] {
			case inStack:
				// Slice the stack from the first occurrence of next.
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for i := range g.Vertices {
		id := g.Vertices[i].ID
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// Entries returns the entry vertex set: the explicit EntryID when set,
// otherwise every vertex with no enabled non-compensation inbound edge.
func (g *Graph) Entries() []string {
	if g.EntryID != "" {
		return []string{g.EntryID}
	}
	inbound := make(map[string]bool)
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.active() {
			inbound[e.Target] = true
		}
	}
	var entries []string
	for i := range g.Vertices {
		if !inbound[g.Vertices[i].ID] {
			entries = append(entries, g.Vertices[i].ID)
		}
	}
	return entries
}

// Reachable returns the set of vertex ids reachable from the entry set over
// enabled non-compensation edges, including the entries themselves.
func (g *Graph) Reachable() map[string]bool {
	adj := make(map[string][]string)
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.active() {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}
	seen := make(map[string]bool)
	queue := g.Entries()
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
