package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Entity lookup errors
	ErrProjectNotFound  = errors.New("project not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrRunNotFound      = errors.New("workflow run not found")

	// Validation errors
	ErrInvalidArtifact  = errors.New("invalid artifact")
	ErrInvalidTask      = errors.New("invalid task")
	ErrUnknownAgentType = errors.New("unknown agent type")

	// Admission errors
	ErrHalted    = errors.New("project halted by emergency stop")
	ErrQueueFull = errors.New("task queue full")

	// State errors
	ErrAlreadyTerminal   = errors.New("task already in terminal state")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrProjectTerminal   = errors.New("project in terminal status")
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotInitialized    = errors.New("not initialized")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Infrastructure errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// CoreError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type CoreError struct {
	Op      string // Operation that failed (e.g., "scheduler.Submit")
	Kind    string // Error kind (e.g., "task", "artifact", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *CoreError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError creates a new CoreError
func NewCoreError(op, kind string, err error) *CoreError {
	return &CoreError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are transient infrastructure issues; validation and
// state errors are terminal on first occurrence.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrQueueFull)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrArtifactNotFound) ||
		errors.Is(err, ErrRunNotFound)
}

// IsValidationError checks if an error is caller input related.
// Validation errors are never retried and never logged at error level.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidArtifact) ||
		errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrUnknownAgentType)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrProjectTerminal) ||
		errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized)
}
