package flow

import "time"

// MailboxState is the persisted form of one vertex mailbox.
type MailboxState struct {
	VertexID  string     `json:"vertex_id"`
	Envelopes []Envelope `json:"envelopes,omitempty"`
}

// Snapshot is a point-in-time capture of a run: globals, every mailbox's
// envelopes, the instance history, and the engine counters needed to
// resume. Snapshots serialize to JSON for the store backends.
//
// Breaker state is recorded for observability only; breakers restart
// closed on resume and re-learn from live traffic.
type Snapshot struct {
	RunID   string `json:"run_id"`
	GraphID string `json:"graph_id"`
	Status  Status `json:"status"`
	Label   string `json:"label,omitempty"`

	Globals   map[string]any   `json:"globals,omitempty"`
	Mailboxes []MailboxState   `json:"mailboxes,omitempty"`
	Instances []VertexInstance `json:"instances,omitempty"`

	Breakers        map[string]string `json:"breakers,omitempty"`
	RetryBudgetUsed int               `json:"retry_budget_used"`
	EventSeq        int               `json:"event_seq"`
	Compensating    bool              `json:"compensating"`

	FirstError *ErrorInfo `json:"first_error,omitempty"`
	Started    time.Time  `json:"started"`
	TakenAt    time.Time  `json:"taken_at"`
}
