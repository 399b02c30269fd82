package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		retryable     bool
		notFound      bool
		validation    bool
		configuration bool
		state         bool
	}{
		{"storage unavailable", ErrStorageUnavailable, true, false, false, false, false},
		{"timeout", ErrTimeout, true, false, false, false, false},
		{"connection failed", ErrConnectionFailed, true, false, false, false, false},
		{"queue full", ErrQueueFull, true, false, false, false, false},
		{"task not found", ErrTaskNotFound, false, true, false, false, false},
		{"artifact not found", ErrArtifactNotFound, false, true, false, false, false},
		{"run not found", ErrRunNotFound, false, true, false, false, false},
		{"invalid task", ErrInvalidTask, false, false, true, false, false},
		{"unknown agent type", ErrUnknownAgentType, false, false, true, false, false},
		{"invalid configuration", ErrInvalidConfiguration, false, false, false, true, false},
		{"missing configuration", ErrMissingConfiguration, false, false, false, true, false},
		{"already terminal", ErrAlreadyTerminal, false, false, false, false, true},
		{"invalid transition", ErrInvalidTransition, false, false, false, false, true},
		{"project terminal", ErrProjectTerminal, false, false, false, false, true},
		{"halted", ErrHalted, false, false, false, false, false},
		{"plain error", errors.New("boom"), false, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Classification must survive wrapping.
			wrapped := fmt.Errorf("op failed: %w", tt.err)
			for _, err := range []error{tt.err, wrapped} {
				if got := IsRetryable(err); got != tt.retryable {
					t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
				}
				if got := IsNotFound(err); got != tt.notFound {
					t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
				}
				if got := IsValidationError(err); got != tt.validation {
					t.Errorf("IsValidationError = %v, want %v", got, tt.validation)
				}
				if got := IsConfigurationError(err); got != tt.configuration {
					t.Errorf("IsConfigurationError = %v, want %v", got, tt.configuration)
				}
				if got := IsStateError(err); got != tt.state {
					t.Errorf("IsStateError = %v, want %v", got, tt.state)
				}
			}
		})
	}
}

func TestCoreErrorWrapping(t *testing.T) {
	err := &CoreError{
		Op:   "scheduler.Submit",
		Kind: "task",
		ID:   "task-1",
		Err:  ErrUnknownAgentType,
	}

	if !errors.Is(err, ErrUnknownAgentType) {
		t.Error("CoreError should unwrap to its underlying sentinel")
	}
	if err.Error() != "scheduler.Submit [task-1]: unknown agent type" {
		t.Errorf("unexpected error string: %s", err.Error())
	}

	var coreErr *CoreError
	if !errors.As(fmt.Errorf("outer: %w", err), &coreErr) {
		t.Error("errors.As should find the CoreError through wrapping")
	}
}

func TestCoreErrorFormatting(t *testing.T) {
	noID := &CoreError{Op: "store.Get", Err: ErrTaskNotFound}
	if noID.Error() != "store.Get: task not found" {
		t.Errorf("unexpected error string: %s", noID.Error())
	}

	messageOnly := &CoreError{Kind: "config", Message: "port out of range"}
	if messageOnly.Error() != "port out of range" {
		t.Errorf("unexpected error string: %s", messageOnly.Error())
	}

	kindOnly := &CoreError{Kind: "config"}
	if kindOnly.Error() != "config error" {
		t.Errorf("unexpected error string: %s", kindOnly.Error())
	}
}
