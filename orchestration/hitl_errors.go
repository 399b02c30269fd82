package orchestration

import (
	"errors"
	"fmt"
)

// Sentinel errors for the HITL subsystem.
var (
	// ErrApprovalNotFound indicates the approval id is unknown.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrApprovalAlreadyResolved indicates a respond call hit a
	// non-pending approval. Callers should return the recorded outcome
	// instead of treating this as a failure.
	ErrApprovalAlreadyResolved = errors.New("approval already resolved")

	// ErrPendingApprovalExists indicates the task already has a
	// pending approval; at most one is allowed per task.
	ErrPendingApprovalExists = errors.New("pending approval already exists for task")

	// ErrStopNotFound indicates the emergency stop id is unknown.
	ErrStopNotFound = errors.New("emergency stop not found")

	// ErrInvalidAction indicates an unknown respond action.
	ErrInvalidAction = errors.New("invalid approval action")
)

// ApprovalError wraps a HITL failure with the approval involved.
type ApprovalError struct {
	Op         string
	ApprovalID string
	TaskID     string
	Err        error
}

// Error implements the error interface
func (e *ApprovalError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s [approval=%s task=%s]: %v", e.Op, e.ApprovalID, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s [approval=%s]: %v", e.Op, e.ApprovalID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *ApprovalError) Unwrap() error {
	return e.Err
}

// IsApprovalResolved checks for the already-resolved idempotency case
func IsApprovalResolved(err error) bool {
	return errors.Is(err, ErrApprovalAlreadyResolved)
}
