package flow

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/flowgraph-go/flow/eval"
)

func routerFixture(t *testing.T, g *Graph, globals *Vars) (*Router, map[string]*Mailbox, *DeadLetters) {
	t.Helper()
	if globals == nil {
		globals = NewVars(nil)
	}
	dlq := NewDeadLetters()
	clock := newFakeClock()
	mailboxes := make(map[string]*Mailbox, len(g.Vertices))
	for i := range g.Vertices {
		id := g.Vertices[i].ID
		mailboxes[id] = NewMailbox(id, 8, time.Minute, nil, clock, dlq)
	}
	return NewRouter(g, eval.NewExpr(), globals, mailboxes, dlq), mailboxes, dlq
}

func drainSources(t *testing.T, mb *Mailbox) []string {
	t.Helper()
	var out []string
	for {
		lease, err := mb.Lease(context.Background(), time.Millisecond)
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if lease == nil {
			return out
		}
		out = append(out, lease.Msg.SourceID)
		mb.Acknowledge(lease.ID)
	}
}

func TestRouterKindFilter(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("src"), taskVertexDesc("onOK"), taskVertexDesc("onErr"),
		},
		Edges: []EdgeDescriptor{
			{Source: "src", Target: "onOK"},
			{Source: "src", Target: "onErr", Triggers: []MessageKind{KindFail}},
		},
		EntryID: "src",
	}
	r, mailboxes, _ := routerFixture(t, g, nil)

	if n := r.Route(SourceEvent{SourceID: "src", Kind: KindComplete}); n != 1 {
		t.Errorf("Complete delivered %d, want 1", n)
	}
	if n := r.Route(SourceEvent{SourceID: "src", Kind: KindFail, Error: &ErrorInfo{Kind: ErrKindExecution}}); n != 1 {
		t.Errorf("Fail delivered %d, want 1", n)
	}

	if got := drainSources(t, mailboxes["onOK"]); len(got) != 1 {
		t.Errorf("onOK received %v", got)
	}
	if got := drainSources(t, mailboxes["onErr"]); len(got) != 1 {
		t.Errorf("onErr received %v", got)
	}
}

func TestRouterPortFilter(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("branch"), taskVertexDesc("yes"), taskVertexDesc("no"),
		},
		Edges: []EdgeDescriptor{
			{Source: "branch", Target: "yes", SourcePort: PortTrueBranch},
			{Source: "branch", Target: "no", SourcePort: PortFalseBranch},
		},
		EntryID: "branch",
	}
	r, mailboxes, _ := routerFixture(t, g, nil)

	r.Route(SourceEvent{SourceID: "branch", Kind: KindComplete, Port: PortTrueBranch})

	if got := drainSources(t, mailboxes["yes"]); len(got) != 1 {
		t.Errorf("yes received %v, want 1 message", got)
	}
	if got := drainSources(t, mailboxes["no"]); len(got) != 0 {
		t.Errorf("no received %v, want none", got)
	}
}

func TestRouterGuard(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("src"), taskVertexDesc("big"), taskVertexDesc("small"),
		},
		Edges: []EdgeDescriptor{
			{Source: "src", Target: "big", Guard: "output.n > 10"},
			{Source: "src", Target: "small", Guard: "output.n <= 10"},
		},
		EntryID: "src",
	}
	r, mailboxes, _ := routerFixture(t, g, nil)

	r.Route(SourceEvent{SourceID: "src", Kind: KindComplete, Output: map[string]any{"n": 42}})

	if got := drainSources(t, mailboxes["big"]); len(got) != 1 {
		t.Errorf("big received %v", got)
	}
	if got := drainSources(t, mailboxes["small"]); len(got) != 0 {
		t.Errorf("small received %v", got)
	}
}

func TestRouterGuardSeesGlobals(t *testing.T) {
	globals := NewVars(map[string]any{"mode": "fast"})
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("src"), taskVertexDesc("dst"),
		},
		Edges: []EdgeDescriptor{
			{Source: "src", Target: "dst", Guard: `globals.mode == "fast"`},
		},
		EntryID: "src",
	}
	r, mailboxes, _ := routerFixture(t, g, globals)

	if n := r.Route(SourceEvent{SourceID: "src", Kind: KindComplete}); n != 1 {
		t.Errorf("delivered %d, want 1", n)
	}
	if got := drainSources(t, mailboxes["dst"]); len(got) != 1 {
		t.Errorf("dst received %v", got)
	}
}

func TestRouterGuardEvalFailureDeadLetters(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("src"), taskVertexDesc("dst"),
		},
		Edges: []EdgeDescriptor{
			// Evaluates to a string, not a boolean.
			{Source: "src", Target: "dst", Guard: `"not a bool"`},
		},
		EntryID: "src",
	}
	r, mailboxes, dlq := routerFixture(t, g, nil)

	if n := r.Route(SourceEvent{SourceID: "src", Kind: KindComplete}); n != 0 {
		t.Errorf("delivered %d, want 0", n)
	}
	entries := dlq.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Reason != ReasonGuardEvalFailed || entries[0].VertexID != "dst" {
		t.Errorf("unexpected dead letter: %+v", entries[0])
	}
	if got := drainSources(t, mailboxes["dst"]); len(got) != 0 {
		t.Errorf("dst received %v, want none", got)
	}
}

func TestRouterFanOutAndDeadEnd(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("src"), taskVertexDesc("a"), taskVertexDesc("b"),
		},
		Edges: []EdgeDescriptor{
			{Source: "src", Target: "a"},
			{Source: "src", Target: "b"},
		},
		EntryID: "src",
	}
	r, _, dlq := routerFixture(t, g, nil)

	if n := r.Route(SourceEvent{SourceID: "src", Kind: KindComplete}); n != 2 {
		t.Errorf("fan-out delivered %d, want 2", n)
	}
	// Events from a vertex with no outbound edges are dropped silently.
	if n := r.Route(SourceEvent{SourceID: "a", Kind: KindComplete}); n != 0 {
		t.Errorf("dead end delivered %d, want 0", n)
	}
	if dlq.Len() != 0 {
		t.Errorf("dead end should not dead-letter, got %d entries", dlq.Len())
	}
}

func TestRouterDisabledEdgeIgnored(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("src"), taskVertexDesc("dst"),
		},
		Edges: []EdgeDescriptor{
			{Source: "src", Target: "dst", Disabled: true},
		},
		EntryID: "src",
	}
	r, _, _ := routerFixture(t, g, nil)
	if n := r.Route(SourceEvent{SourceID: "src", Kind: KindComplete}); n != 0 {
		t.Errorf("disabled edge delivered %d, want 0", n)
	}
}

func TestRouterCompensationEdges(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("src"), taskVertexDesc("next"), taskVertexDesc("undo"),
		},
		Edges: []EdgeDescriptor{
			{Source: "src", Target: "next"},
			{Source: "src", Target: "undo", IsCompensation: true},
		},
		EntryID: "src",
	}
	r, mailboxes, _ := routerFixture(t, g, nil)

	r.Route(SourceEvent{SourceID: "src", Kind: KindComplete})
	r.Route(SourceEvent{SourceID: "src", Kind: KindComplete, Compensating: true})

	if got := drainSources(t, mailboxes["next"]); len(got) != 1 {
		t.Errorf("next received %v, want 1 (normal flow only)", got)
	}
	if got := drainSources(t, mailboxes["undo"]); len(got) != 1 {
		t.Errorf("undo received %v, want 1 (compensation flow only)", got)
	}
}

func TestRouterDerivesNextForIterationEvents(t *testing.T) {
	g := &Graph{
		ID: "g",
		Vertices: []VertexDescriptor{
			taskVertexDesc("loop"), taskVertexDesc("body"),
		},
		Edges: []EdgeDescriptor{
			{Source: "loop", Target: "body", Triggers: []MessageKind{KindNext}, TargetPort: "in"},
		},
		EntryID: "loop",
	}
	r, mailboxes, _ := routerFixture(t, g, nil)

	r.Route(SourceEvent{
		SourceID:  "loop",
		Kind:      KindNext,
		Output:    map[string]any{"item": "x"},
		Iteration: 4,
	})

	lease, _ := mailboxes["body"].Lease(context.Background(), time.Millisecond)
	if lease == nil {
		t.Fatal("body should have received the iteration message")
	}
	msg := lease.Msg
	if msg.Kind != KindNext || msg.Iteration != 4 {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.TargetPort != "in" {
		t.Errorf("TargetPort = %q, want edge hint", msg.TargetPort)
	}
	if msg.Output["item"] != "x" {
		t.Errorf("Output = %v", msg.Output)
	}
}
