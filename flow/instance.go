package flow

import "time"

// Status of a run or of a single vertex instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// VertexInstance records one activation of a vertex. A vertex that is
// retried produces one instance per attempt; the completion verdict
// considers only the latest instance per vertex.
type VertexInstance struct {
	ID       string         `json:"id"`
	VertexID string         `json:"vertex_id"`
	RunID    string         `json:"run_id"`
	Attempt  uint           `json:"attempt"`
	Status   Status         `json:"status"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Port     string         `json:"port,omitempty"`
	Err      *ErrorInfo     `json:"error,omitempty"`
}

// Duration of the activation; zero while still running.
func (vi *VertexInstance) Duration() time.Duration {
	if vi.Finished.IsZero() {
		return 0
	}
	return vi.Finished.Sub(vi.Started)
}

// RunResult is the terminal summary of one workflow run.
type RunResult struct {
	RunID   string `json:"run_id"`
	GraphID string `json:"graph_id"`
	Status  Status `json:"status"`

	// Globals is a snapshot of the shared bag at termination.
	Globals map[string]any `json:"globals,omitempty"`

	// Instances holds every activation in creation order.
	Instances []VertexInstance `json:"instances,omitempty"`

	// FirstError is the failure that decided a Failed verdict.
	FirstError *ErrorInfo `json:"first_error,omitempty"`

	// DeadLetters drained from all mailboxes plus routing casualties.
	DeadLetters []DeadLetter `json:"dead_letters,omitempty"`

	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
}
