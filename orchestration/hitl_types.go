// Package orchestration provides the human-in-the-loop (HITL) types.
//
// The HITL gate interrupts task execution when human review is
// required, persists the pending decision, and resumes or terminates
// the task based on the response. Three records back it: approvals
// (pending or resolved decisions), per-project auto-approval counters,
// and emergency stop flags.
package orchestration

import (
	"context"
	"time"
)

// ApprovalKind classifies why an approval was requested.
type ApprovalKind string

const (
	// ApprovalKindPreExecution is a review required before a task or
	// gate step begins work.
	ApprovalKindPreExecution ApprovalKind = "pre_execution"

	// ApprovalKindPhaseGate is the mandatory checkpoint at a phase
	// boundary.
	ApprovalKindPhaseGate ApprovalKind = "phase_gate"

	// ApprovalKindCounterExpiry fires when the project's auto-approval
	// budget reaches zero.
	ApprovalKindCounterExpiry ApprovalKind = "counter_expiry"

	// ApprovalKindPolicyViolation fires when a phase policy flags the
	// task for human review.
	ApprovalKindPolicyViolation ApprovalKind = "policy_violation"
)

// ApprovalStatus is the lifecycle state of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusModified ApprovalStatus = "modified"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// IsTerminal returns true once the approval has been resolved.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending && s != ""
}

// HITLAction is a human's response to a pending approval.
type HITLAction string

const (
	HITLActionApprove HITLAction = "approve"
	HITLActionReject  HITLAction = "reject"
	HITLActionModify  HITLAction = "modify"
)

// Valid reports whether the action is one of the accepted values.
func (a HITLAction) Valid() bool {
	return a == HITLActionApprove || a == HITLActionReject || a == HITLActionModify
}

// HITLApproval is a pending or resolved human decision.
// At most one approval per (project_id, task_id) may be pending.
type HITLApproval struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	TaskID    string       `json:"task_id"`
	AgentType string       `json:"agent_type,omitempty"`
	Kind      ApprovalKind `json:"kind"`

	// RequestPayload is opaque to the core; its schema is owned by the
	// client surface. Only project_id, task_id, and kind are validated.
	RequestPayload map[string]interface{} `json:"request_payload,omitempty"`

	Status ApprovalStatus `json:"status"`

	// Action and UserResponse record the resolution.
	Action       HITLAction `json:"action,omitempty"`
	UserResponse string     `json:"user_response,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// HITLCounter is a project's auto-approval budget. Each silent
// auto-approval decrements Remaining; exhaustion forces a human
// decision until the user refills.
type HITLCounter struct {
	ProjectID    string `json:"project_id"`
	Enabled      bool   `json:"enabled"`
	Remaining    int    `json:"remaining"`
	InitialValue int    `json:"initial_value"`
}

// StopScopeGlobal marks an emergency stop covering every project.
const StopScopeGlobal = "global"

// EmergencyStop is a global or project-scoped halt flag. While active,
// new task submissions in scope fail fast and pending tasks are
// cancelled. Records persist after deactivation for audit.
type EmergencyStop struct {
	ID    string `json:"id"`
	Scope string `json:"scope"` // StopScopeGlobal or a project id

	Active        bool       `json:"active"`
	Reason        string     `json:"reason"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Covers reports whether the stop applies to the given project.
func (s *EmergencyStop) Covers(projectID string) bool {
	return s.Active && (s.Scope == StopScopeGlobal || s.Scope == projectID)
}

// GateOutcome is the result of a gate evaluation.
type GateOutcome string

const (
	// GateAutoApprove lets the task proceed silently.
	GateAutoApprove GateOutcome = "auto_approve"

	// GateNeedsApproval suspends the task on a human decision.
	GateNeedsApproval GateOutcome = "needs_approval"

	// GateHalt fails the admission immediately (emergency stop).
	GateHalt GateOutcome = "halt"
)

// GateDecision is returned by HITLGate.Evaluate.
type GateDecision struct {
	Outcome GateOutcome

	// Kind is set when Outcome is GateNeedsApproval.
	Kind ApprovalKind

	// Payload carries the approval request payload.
	Payload map[string]interface{}

	// Reason is set when Outcome is GateHalt.
	Reason string
}

// HITLStore persists approvals, counters, and emergency stops.
type HITLStore interface {
	// CreateApproval persists a pending approval. Fails with
	// ErrPendingApprovalExists if the task already has one pending.
	CreateApproval(ctx context.Context, approval *HITLApproval) error

	// GetApproval retrieves an approval by id.
	GetApproval(ctx context.Context, approvalID string) (*HITLApproval, error)

	// ResolveApproval transitions a pending approval to its terminal
	// status. Returns ErrApprovalAlreadyResolved if it is not pending.
	ResolveApproval(ctx context.Context, approval *HITLApproval) error

	// ListPending returns pending approvals, optionally scoped to a
	// project (empty projectID lists all).
	ListPending(ctx context.Context, projectID string) ([]*HITLApproval, error)

	// GetCounter returns the project's counter, or nil if none was
	// initialized.
	GetCounter(ctx context.Context, projectID string) (*HITLCounter, error)

	// PutCounter creates or replaces a project's counter.
	PutCounter(ctx context.Context, counter *HITLCounter) error

	// DecrementCounter atomically decrements Remaining if positive.
	// Returns the new value and whether a decrement happened. The
	// sequence of remaining values across concurrent callers is
	// linearizable.
	DecrementCounter(ctx context.Context, projectID string) (remaining int, decremented bool, err error)

	// ActivateStop persists an active emergency stop.
	ActivateStop(ctx context.Context, stop *EmergencyStop) error

	// DeactivateStop clears the flag, returning the updated record.
	DeactivateStop(ctx context.Context, stopID string) (*EmergencyStop, error)

	// ActiveStopFor returns the active stop covering the project, or
	// nil when none does. Global stops cover every project.
	ActiveStopFor(ctx context.Context, projectID string) (*EmergencyStop, error)
}
