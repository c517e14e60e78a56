package flow

import "errors"

// Error kind discriminators. These are stable strings, usable in
// RetryPolicy.RetryOn / DoNotRetryOn sets and carried in ErrorInfo.Kind.
const (
	ErrKindValidation  = "validation"
	ErrKindInit        = "init"
	ErrKindTimeout     = "timeout"
	ErrKindCircuitOpen = "circuit-open"
	ErrKindCancelled   = "cancelled"
	ErrKindExecution   = "error"
)

// Dead-letter reasons produced by the mailbox and router.
const (
	ReasonRetriesExhausted   = "retries-exhausted"
	ReasonGuardEvalFailed    = "guard-eval-failed"
	ReasonLeaseExpired       = "lease-expired"
	ReasonMailboxOverflow    = "mailbox-overflow"
	ReasonAdmissionCancelled = "admission-cancelled"
	ReasonBudgetExhausted    = "retry-budget-exhausted"
	ReasonDrained            = "drained"
)

// ErrEngineClosed is returned by operations on an engine whose run has
// reached a terminal state.
var ErrEngineClosed = errors.New("engine: run already finished")

// ErrPauseDisabled is returned by Pause when the graph does not allow it.
var ErrPauseDisabled = errors.New("engine: pause not allowed for this workflow")

// ErrNotPaused is returned by Resume on an engine that is not paused.
var ErrNotPaused = errors.New("engine: workflow is not paused")

// ErrInvalidRetryPolicy indicates a retry policy with out-of-range fields.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrMaxDepthExceeded is returned when subflow nesting exceeds the
// configured recursion limit.
var ErrMaxDepthExceeded = errors.New("maximum recursion depth exceeded")

// Error is a structured engine error.
//
// Kind is one of the ErrKind* discriminators, VertexID names the vertex the
// error is attributed to (empty for workflow-level errors), and Cause holds
// the wrapped error when one exists.
type Error struct {
	Kind     string
	VertexID string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.VertexID != "" {
		return e.Kind + ": vertex " + e.VertexID + ": " + msg
	}
	return e.Kind + ": " + msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Info converts the error into its transport form.
func (e *Error) Info() *ErrorInfo {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return &ErrorInfo{Kind: e.Kind, VertexID: e.VertexID, Message: msg}
}

// errorKind extracts the retry discriminator from an arbitrary error.
// *Error carries its own kind; everything else is a generic execution error.
func errorKind(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrKindExecution
}

// errorInfo converts an arbitrary error into transport form, attributing it
// to the given vertex.
func errorInfo(vertexID string, err error) *ErrorInfo {
	var fe *Error
	if errors.As(err, &fe) {
		info := fe.Info()
		if info.VertexID == "" {
			info.VertexID = vertexID
		}
		return info
	}
	return &ErrorInfo{Kind: ErrKindExecution, VertexID: vertexID, Message: err.Error()}
}
