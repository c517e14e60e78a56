// Package emit provides the observable event stream of the workflow engine:
// typed events, the Emitter seam, and emitters for logging, in-memory
// history, multi-subscriber broadcast, and OpenTelemetry.
package emit

import "time"

// EventType classifies an observability event.
type EventType string

// Event types published by the engine.
const (
	WorkflowStarted   EventType = "workflow_started"
	WorkflowCompleted EventType = "workflow_completed"
	WorkflowFailed    EventType = "workflow_failed"
	WorkflowCancelled EventType = "workflow_cancelled"
	WorkflowPaused    EventType = "workflow_paused"
	WorkflowResumed   EventType = "workflow_resumed"
	NodeStarted       EventType = "node_started"
	NodeCompleted     EventType = "node_completed"
	NodeFailed        EventType = "node_failed"
	NodeCancelled     EventType = "node_cancelled"
	NodeProgress      EventType = "node_progress"
	ProgressUpdated   EventType = "progress"
	BreakerTransition EventType = "breaker_transition"
	CheckpointSaved   EventType = "checkpoint_saved"
	DeadLettered      EventType = "dead_lettered"
)

// Progress carries aggregate run counts. Percent is computed over
// instantiated vertices only; unreached vertices do not count toward the
// denominator. ETA is a naive estimate from the mean completed-vertex
// duration and may be zero when nothing has completed yet.
type Progress struct {
	Total     int           `json:"total"`
	Running   int           `json:"running"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Percent   float64       `json:"percent"`
	ETA       time.Duration `json:"eta,omitempty"`
}

// Event is one observability event emitted during workflow execution.
//
// VertexID is empty for workflow-level events. Seq is a per-run sequence
// number assigned by the engine so subscribers can order events without
// relying on wall-clock timestamps.
type Event struct {
	Type     EventType      `json:"type"`
	RunID    string         `json:"run_id"`
	Seq      int            `json:"seq"`
	VertexID string         `json:"vertex_id,omitempty"`
	Port     string         `json:"port,omitempty"`
	Msg      string         `json:"msg,omitempty"`
	Err      string         `json:"err,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Time     time.Time      `json:"time"`
	Progress *Progress      `json:"progress,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}
