// Package flow provides a workflow engine that executes directed graphs of
// vertices connected by typed, conditional, message-carrying edges.
//
// Each vertex owns a bounded mailbox (a ring buffer with lease-based
// visibility), a router translates vertex completion and failure events into
// enqueue operations on downstream mailboxes, and the engine drives one
// worker per vertex until every reachable vertex is in a terminal state.
package flow

import "github.com/google/uuid"

// MessageKind classifies a message flowing along graph edges.
type MessageKind string

// Message kinds. Start is synthetic and only ever enqueued by the engine
// into entry-vertex mailboxes; the router never produces it.
const (
	KindComplete MessageKind = "complete"
	KindFail     MessageKind = "fail"
	KindCancel   MessageKind = "cancel"
	KindNext     MessageKind = "next"
	KindStart    MessageKind = "start"
)

// ErrorInfo describes a failure in a transport-friendly form. Kind is a
// language-neutral discriminator ("timeout", "circuit-open", ...) used by
// retry filters; it is not a Go type name.
type ErrorInfo struct {
	Kind     string `json:"kind" yaml:"kind"`
	VertexID string `json:"vertex_id,omitempty" yaml:"vertex_id,omitempty"`
	Message  string `json:"message" yaml:"message"`
}

// CompensationContext accompanies messages delivered during the compensation
// walk. Compensation vertices must tolerate receiving the same context more
// than once.
type CompensationContext struct {
	FailedVertexID string `json:"failed_vertex_id" yaml:"failed_vertex_id"`
	Reason         string `json:"reason" yaml:"reason"`
}

// Message is the immutable payload carried by a mailbox envelope.
//
// SourceID is empty only for Start messages. Iteration is meaningful only
// for Next messages produced by loop vertices. TargetPort is an
// informational hint copied from the edge that delivered the message.
type Message struct {
	Kind          MessageKind          `json:"kind" yaml:"kind"`
	SourceID      string               `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	SourcePort    string               `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	TargetPort    string               `json:"target_port,omitempty" yaml:"target_port,omitempty"`
	Output        map[string]any       `json:"output,omitempty" yaml:"output,omitempty"`
	Error         *ErrorInfo           `json:"error,omitempty" yaml:"error,omitempty"`
	Iteration     int                  `json:"iteration,omitempty" yaml:"iteration,omitempty"`
	Compensation  *CompensationContext `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// StartMessage builds the synthetic trigger delivered to entry vertices.
func StartMessage(correlationID string) Message {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Message{Kind: KindStart, CorrelationID: correlationID}
}

// SourceEvent is the router's input: the outcome of one vertex activation.
type SourceEvent struct {
	SourceID      string
	Kind          MessageKind
	Port          string
	Output        map[string]any
	Error         *ErrorInfo
	Iteration     int
	CorrelationID string

	// Compensating selects compensation edges instead of normal edges.
	Compensating bool
}

// cloneBag copies a bag one level deep. Values are shared; vertices must not
// retain references to input bags past return, so key-level isolation is
// sufficient.
func cloneBag(bag map[string]any) map[string]any {
	if bag == nil {
		return nil
	}
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}
