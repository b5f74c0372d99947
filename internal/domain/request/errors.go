package request

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a request id does not exist in the store.
var ErrNotFound = errors.New("request not found")

// ErrInvalidState is returned when a status update would violate the
// transition table, including any write to a terminal status.
var ErrInvalidState = errors.New("invalid status transition")

// DeniedError is surfaced to the agent when policy denies the intent.
type DeniedError struct {
	RequestID string
	Server    string
	Tool      string
	Reason    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("ctrl denied tool call: %s.%s — %s", e.Server, e.Tool, e.Reason)
}

// PendingError is surfaced to the agent when the intent is parked for
// human approval.
type PendingError struct {
	RequestID string
	Server    string
	Tool      string
	Reason    string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("ctrl requires approval (pending): %s.%s — %s", e.Server, e.Tool, e.Reason)
}

// ExecutionError wraps a remote tool failure so callers can distinguish it
// from policy outcomes.
type ExecutionError struct {
	RequestID string
	Server    string
	Tool      string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool execution failed: %s.%s: %v", e.Server, e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
