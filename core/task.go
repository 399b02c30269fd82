// Package core provides the agent task types for the orchestration core.
//
// This file defines the Task entity and the interfaces for the async task
// system that executes agent work off the request path. Tasks are enqueued
// on a durable queue, picked up by scheduler workers, and driven through a
// fixed state machine:
//
//	pending ──→ working ──→ {completed, failed, cancelled}
//	pending ──→ waiting_for_hitl ──→ {pending, working, cancelled, failed}
//	working ──→ waiting_for_hitl           (mid-flight interrupt)
//	working ──→ pending                    (orphan re-enqueue)
//	pending ──→ cancelled                  (cancel before start)
//
// # Distributed Tracing
//
// The Task struct includes TraceID and ParentSpanID fields to preserve
// distributed trace context across the queue boundary. Workers restore this
// context using telemetry.StartLinkedSpan().
package core

import (
	"context"
	"errors"
	"time"
)

// ErrTaskQueueEmpty is returned when Dequeue times out with no task available
var ErrTaskQueueEmpty = errors.New("task queue empty")

// TaskStatus represents the state of an agent task
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting in the queue
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusWorking indicates a worker is executing the task
	TaskStatusWorking TaskStatus = "working"

	// TaskStatusWaitingForHITL indicates the task is suspended on a
	// human approval decision
	TaskStatusWaitingForHITL TaskStatus = "waiting_for_hitl"

	// TaskStatusCompleted indicates the task finished successfully
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task failed terminally
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled by request
	// or emergency stop
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// taskTransitions encodes the allowed state machine edges.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusWorking, TaskStatusWaitingForHITL, TaskStatusCancelled},
	TaskStatusWorking: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusWaitingForHITL, TaskStatusPending},
	TaskStatusWaitingForHITL: {TaskStatusPending, TaskStatusWorking, TaskStatusCancelled,
		TaskStatusFailed},
}

// CanTransition reports whether moving from s to next is a valid edge in
// the task state machine. Terminal states have no outgoing edges.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task represents a unit of agent work executing one workflow step
type Task struct {
	// ID is the unique identifier for this task
	ID string `json:"id"`

	// ProjectID scopes the task to its owning project
	ProjectID string `json:"project_id"`

	// WorkflowRunID links the task to the run that created it
	// (empty for ad-hoc tasks submitted directly via the API)
	WorkflowRunID string `json:"workflow_run_id,omitempty"`

	// StepID is the workflow step this task executes
	StepID string `json:"step_id,omitempty"`

	// AgentType routes the task to the matching agent executor
	// (analyst, architect, coder, tester, deployer)
	AgentType string `json:"agent_type"`

	// Status is the current state of the task
	Status TaskStatus `json:"status"`

	// Instructions is the structured prompt payload handed to the executor
	Instructions string `json:"instructions"`

	// ContextIDs reference the input artifacts for this task. They must
	// belong to the same project and exist at task creation time.
	ContextIDs []string `json:"context_ids,omitempty"`

	// OutputIDs reference the artifacts the executor produced
	OutputIDs []string `json:"output_ids,omitempty"`

	// Error contains error information if the task failed or was cancelled
	Error *TaskError `json:"error,omitempty"`

	// AttemptCount is incremented each time a worker starts an attempt
	AttemptCount int `json:"attempt_count"`

	// Options configures task execution behavior
	Options TaskOptions `json:"options"`

	// CreatedAt is when the task was submitted
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when a worker first began processing (nil if pending)
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal state
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// HeartbeatAt is the last liveness signal from the executing worker.
	// Recovery scans treat stale heartbeats as orphaned tasks.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// TraceID is the W3C trace ID (32 hex chars) from the original request
	TraceID string `json:"trace_id,omitempty"`

	// ParentSpanID is the span ID (16 hex chars) of the submitting request
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// TaskOptions configures task execution
type TaskOptions struct {
	// Timeout is the soft deadline per attempt.
	// If zero, the scheduler's AttemptTimeout applies.
	Timeout time.Duration `json:"timeout,omitempty"`

	// FailFastOnFullQueue makes Submit return ErrQueueFull instead of
	// blocking when the queue is above its high-water mark.
	FailFastOnFullQueue bool `json:"fail_fast_on_full_queue,omitempty"`

	// RequireApproval marks the task as needing a human decision before
	// its first attempt, regardless of policy or counter state. Set by
	// the workflow engine for steps flagged as approval points.
	RequireApproval bool `json:"require_approval,omitempty"`

	// ApprovalKind selects the approval kind when RequireApproval is
	// set ("phase_gate" or "pre_execution").
	ApprovalKind string `json:"approval_kind,omitempty"`

	// ApprovalGranted is set when a human approved the task. The gate
	// admits a granted task without re-evaluating policy or counters,
	// so a resumed task cannot loop back into waiting_for_hitl.
	ApprovalGranted bool `json:"approval_granted,omitempty"`
}

// TaskError contains error information
type TaskError struct {
	// Code is a machine-readable error code
	Code string `json:"code"`

	// Message is a human-readable error message
	Message string `json:"message"`

	// Details contains additional error details
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *TaskError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + " (" + e.Details + ")"
	}
	return e.Code + ": " + e.Message
}

// Common error codes for TaskError
const (
	// TaskErrorCodeTimeout indicates an attempt exceeded its timeout
	TaskErrorCodeTimeout = "TASK_TIMEOUT"

	// TaskErrorCodeCancelled indicates the task was cancelled; Details
	// records who cancelled (user vs system)
	TaskErrorCodeCancelled = "TASK_CANCELLED"

	// TaskErrorCodeExecutorError indicates the agent executor returned
	// an error after the retry ceiling
	TaskErrorCodeExecutorError = "EXECUTOR_ERROR"

	// TaskErrorCodePanic indicates the executor panicked
	TaskErrorCodePanic = "EXECUTOR_PANIC"

	// TaskErrorCodeInvalidInput indicates invalid task input
	TaskErrorCodeInvalidInput = "INVALID_INPUT"

	// TaskErrorCodeMissingInput indicates a required input artifact
	// does not exist
	TaskErrorCodeMissingInput = "MISSING_INPUT"

	// TaskErrorCodeOrphaned indicates the task's worker died and the
	// retry ceiling was exhausted
	TaskErrorCodeOrphaned = "ORPHANED"

	// TaskErrorCodePolicyDenied indicates a phase policy hard-denied
	// the task
	TaskErrorCodePolicyDenied = "POLICY_DENIED"

	// TaskErrorCodeHITLTimeout indicates the pending approval expired
	TaskErrorCodeHITLTimeout = "HITL_TIMEOUT"

	// TaskErrorCodeHITLRejected indicates a human rejected the task
	TaskErrorCodeHITLRejected = "HITL_REJECTED"
)

// TaskQueue handles durable task submission and retrieval.
// The default implementation uses Redis lists (LPUSH/BRPOP), which
// preserves FIFO order and therefore per-project submission order.
type TaskQueue interface {
	// Enqueue adds a task to the queue.
	// The task's Status should be TaskStatusPending.
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue retrieves the next task from the queue.
	// Blocks until a task is available or timeout expires.
	// Returns nil, nil if timeout expires with no task.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)

	// Length returns the current queue depth for admission control.
	Length(ctx context.Context) (int64, error)
}

// TaskStore persists task state and results.
// The default implementation uses Redis with a per-project index.
type TaskStore interface {
	// Create persists a new task.
	// Returns an error if a task with the same ID already exists.
	Create(ctx context.Context, task *Task) error

	// Get retrieves a task by ID.
	// Returns ErrTaskNotFound if the task doesn't exist.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Update persists task changes (status, progress, outputs).
	// Returns ErrTaskNotFound if the task doesn't exist and
	// ErrInvalidTransition if the status change is not a legal edge.
	Update(ctx context.Context, task *Task) error

	// ListByProject returns all tasks belonging to a project.
	ListByProject(ctx context.Context, projectID string) ([]*Task, error)

	// ListByStatus returns all tasks with the given status across
	// projects. Used by recovery scans.
	ListByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
}

// NewTask creates a new pending task for the given project and agent type.
func NewTask(id, projectID, agentType, instructions string) *Task {
	return &Task{
		ID:           id,
		ProjectID:    projectID,
		AgentType:    agentType,
		Status:       TaskStatusPending,
		Instructions: instructions,
		CreatedAt:    time.Now(),
	}
}

// SetTraceContext sets the trace context fields on a task.
func (t *Task) SetTraceContext(traceID, spanID string) {
	t.TraceID = traceID
	t.ParentSpanID = spanID
}
