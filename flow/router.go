package flow

import (
	"fmt"
	"sort"
	"time"

	"github.com/dshills/flowgraph-go/flow/eval"
)

// Router translates completion, failure, and iteration events of a source
// vertex into enqueue operations on target mailboxes.
//
// Edges are grouped by source vertex at construction for O(1) fan-out
// lookup and pre-sorted by edge priority ascending, declaration order
// breaking ties. Normal flow consults enabled non-compensation edges; the
// compensation walk consults enabled compensation edges instead.
//
// The router does not deduplicate: routing the same event twice yields two
// independent deliveries. Deduplication, where needed, is the mailbox's
// concern via leases.
type Router struct {
	normal       map[string][]EdgeDescriptor
	compensation map[string][]EdgeDescriptor
	eval         eval.Evaluator
	globals      *Vars
	mailboxes    map[string]*Mailbox
	dlq          *DeadLetters

	// onDeliver observes every successful enqueue; optional.
	onDeliver func(target string, res EnqueueResult)
}

// NewRouter builds a router over the graph's edge set.
func NewRouter(g *Graph, ev eval.Evaluator, globals *Vars, mailboxes map[string]*Mailbox, dlq *DeadLetters) *Router {
	r := &Router{
		normal:       make(map[string][]EdgeDescriptor),
		compensation: make(map[string][]EdgeDescriptor),
		eval:         ev,
		globals:      globals,
		mailboxes:    mailboxes,
		dlq:          dlq,
	}
	for _, e := range g.Edges {
		if e.Disabled {
			continue
		}
		if e.IsCompensation {
			r.compensation[e.Source] = append(r.compensation[e.Source], e)
		} else {
			r.normal[e.Source] = append(r.normal[e.Source], e)
		}
	}
	for _, set := range []map[string][]EdgeDescriptor{r.normal, r.compensation} {
		for _, edges := range set {
			sort.SliceStable(edges, func(i, j int) bool {
				return edges[i].Priority < edges[j].Priority
			})
		}
	}
	return r
}

// Route fans the event out to every matching edge and returns the number of
// messages delivered. A source with no matching enabled edge is a dead end:
// the event is dropped silently, which is how workflow completion naturally
// happens.
func (r *Router) Route(ev SourceEvent) int {
	edges := r.normal[ev.SourceID]
	if ev.Compensating {
		edges = r.compensation[ev.SourceID]
	}

	delivered := 0
	for _, edge := range edges {
		if !edge.triggersOn(ev.Kind) {
			continue
		}
		if edge.SourcePort != "" && edge.SourcePort != ev.Port {
			continue
		}
		if edge.Guard != "" {
			pass, err := r.evalGuard(edge.Guard, ev)
			if err != nil {
				r.dlq.Add(DeadLetter{
					VertexID: edge.Target,
					Reason:   ReasonGuardEvalFailed,
					Detail:   fmt.Sprintf("edge %s -> %s: %v", edge.Source, edge.Target, err),
					Msg:      r.derive(edge, ev),
					At:       r.mailboxTime(edge.Target),
				})
				continue
			}
			if !pass {
				continue
			}
		}
		target := r.mailboxes[edge.Target]
		if target == nil {
			continue
		}
		res := target.Enqueue(r.derive(edge, ev))
		delivered++
		if r.onDeliver != nil {
			r.onDeliver(edge.Target, res)
		}
	}
	return delivered
}

// derive builds the message delivered along one edge. Complete, Fail, and
// Cancel pass through as themselves; everything else (loop iterations)
// becomes Next. The output bag and source port are inherited; the edge's
// target port rides along as a hint for the consuming worker.
func (r *Router) derive(edge EdgeDescriptor, ev SourceEvent) Message {
	kind := ev.Kind
	switch kind {
	case KindComplete, KindFail, KindCancel:
	default:
		kind = KindNext
	}
	return Message{
		Kind:          kind,
		SourceID:      ev.SourceID,
		SourcePort:    ev.Port,
		TargetPort:    edge.TargetPort,
		Output:        cloneBag(ev.Output),
		Error:         ev.Error,
		Iteration:     ev.Iteration,
		CorrelationID: ev.CorrelationID,
	}
}

// evalGuard evaluates the edge guard against the source output and the
// workflow globals.
func (r *Router) evalGuard(guard string, ev SourceEvent) (bool, error) {
	if r.eval == nil {
		return false, fmt.Errorf("no evaluator configured")
	}
	vars := map[string]any{
		"output":  ev.Output,
		"globals": r.globals.Snapshot(),
	}
	out, err := r.eval.Evaluate(guard, vars)
	if err != nil {
		return false, err
	}
	return eval.Bool(out)
}

// mailboxTime returns the clock reading of the target mailbox, falling back
// to any mailbox; routers always have at least one.
func (r *Router) mailboxTime(target string) time.Time {
	if mb := r.mailboxes[target]; mb != nil {
		return mb.clock.Now()
	}
	for _, mb := range r.mailboxes {
		return mb.clock.Now()
	}
	return time.Time{}
}
