// Package orchestration provides the HITL gate controller.
//
// The gate is consulted before any task enters working. Decision order,
// evaluated top to bottom:
//  1. Active emergency stop covering the project: halt, no approval.
//  2. Policy deny: approval with kind policy_violation.
//  3. Step requires approval (phase gate or pre-execution): approval of
//     that kind.
//  4. Counter enabled and exhausted: approval with kind counter_expiry.
//  5. Counter enabled with budget: decrement and auto-approve silently.
//  6. Counter disabled: auto-approve silently, nothing recorded.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/telemetry"
)

// TaskCanceller requests task cancellation. The scheduler implements
// it; the gate depends on the interface to avoid a construction cycle.
type TaskCanceller interface {
	Cancel(ctx context.Context, taskID, cancelledBy string) error
}

// EvaluationContext carries the step-level inputs to a gate decision.
type EvaluationContext struct {
	// Phase is the project's current phase.
	Phase string

	// RequireApproval marks steps that always need a human decision.
	RequireApproval bool

	// ApprovalKind is the kind to use when RequireApproval is set
	// (phase_gate for phase boundaries, pre_execution otherwise).
	ApprovalKind ApprovalKind
}

// RespondOutcome is the result of resolving an approval.
type RespondOutcome struct {
	Approval *HITLApproval

	// WorkflowResumed is true when the response unblocked the task.
	WorkflowResumed bool

	// AlreadyResolved is true when this respond call was an idempotent
	// repeat; the recorded outcome is returned unchanged.
	AlreadyResolved bool
}

// Gate is the HITL controller.
type Gate struct {
	store     HITLStore
	tasks     core.TaskStore
	queue     core.TaskQueue
	artifacts ContextStore
	bus       EventBus
	policy    PhasePolicy
	config    core.HITLConfig
	logger    core.Logger
	canceller TaskCanceller
}

// GateOption configures the gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger for gate operations.
func WithGateLogger(logger core.Logger) GateOption {
	return func(g *Gate) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			g.logger = cal.WithComponent("orchestration/hitl")
		} else {
			g.logger = logger
		}
	}
}

// WithGatePolicy sets the phase policy. Default allows everything.
func WithGatePolicy(policy PhasePolicy) GateOption {
	return func(g *Gate) {
		if policy != nil {
			g.policy = policy
		}
	}
}

// NewGate creates the HITL gate. Zero-value config fields are
// backfilled from defaults.
func NewGate(store HITLStore, tasks core.TaskStore, queue core.TaskQueue, artifacts ContextStore,
	bus EventBus, config core.HITLConfig, opts ...GateOption) *Gate {
	if config.ApprovalTTL <= 0 {
		config.ApprovalTTL = 24 * time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.CounterInitial <= 0 {
		config.CounterInitial = 10
	}

	g := &Gate{
		store:     store,
		tasks:     tasks,
		queue:     queue,
		artifacts: artifacts,
		bus:       bus,
		policy:    AllowAllPolicy{},
		config:    config,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetCanceller wires the scheduler in after construction. Emergency
// stop activation uses it to cancel in-flight tasks.
func (g *Gate) SetCanceller(canceller TaskCanceller) {
	g.canceller = canceller
}

// InitCounter seeds a project's auto-approval budget from config.
// Called when a project is created.
func (g *Gate) InitCounter(ctx context.Context, projectID string) error {
	return g.store.PutCounter(ctx, &HITLCounter{
		ProjectID:    projectID,
		Enabled:      g.config.CounterEnabled,
		Remaining:    g.config.CounterInitial,
		InitialValue: g.config.CounterInitial,
	})
}

// Evaluate runs the gate decision order for a task about to start.
func (g *Gate) Evaluate(ctx context.Context, task *core.Task, eval EvaluationContext) (*GateDecision, error) {
	start := time.Now()
	defer telemetry.Duration("hitl.evaluate.duration_ms", start)

	// 1. Emergency stop
	stop, err := g.store.ActiveStopFor(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if stop != nil {
		telemetry.Counter("hitl.evaluations", "outcome", "halt")
		return &GateDecision{Outcome: GateHalt, Reason: stop.Reason}, nil
	}

	// A task resumed after an explicit human approval is admitted
	// without re-evaluation; only the emergency stop still applies.
	if task.Options.ApprovalGranted {
		telemetry.Counter("hitl.evaluations", "outcome", "granted")
		return &GateDecision{Outcome: GateAutoApprove}, nil
	}

	// 2. Phase policy
	verdict := g.policy.Check(eval.Phase, task.AgentType, task.Instructions)
	if verdict == PolicyDeny {
		g.publish(ctx, task.ProjectID, EventPolicyViolation, map[string]interface{}{
			"task_id":    task.ID,
			"agent_type": task.AgentType,
			"phase":      eval.Phase,
		})
		telemetry.Counter("hitl.evaluations", "outcome", "policy_violation")
		return &GateDecision{
			Outcome: GateNeedsApproval,
			Kind:    ApprovalKindPolicyViolation,
			Payload: map[string]interface{}{"phase": eval.Phase, "verdict": verdict.String()},
		}, nil
	}
	if verdict == PolicyReview {
		telemetry.Counter("hitl.evaluations", "outcome", "policy_review")
		return &GateDecision{
			Outcome: GateNeedsApproval,
			Kind:    ApprovalKindPreExecution,
			Payload: map[string]interface{}{"phase": eval.Phase, "verdict": verdict.String()},
		}, nil
	}

	// 3. Step-required approval
	if eval.RequireApproval {
		kind := eval.ApprovalKind
		if kind == "" {
			kind = ApprovalKindPreExecution
		}
		telemetry.Counter("hitl.evaluations", "outcome", "step_approval")
		return &GateDecision{Outcome: GateNeedsApproval, Kind: kind}, nil
	}

	// 4-6. Counter
	counter, err := g.store.GetCounter(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if counter == nil || !counter.Enabled {
		telemetry.Counter("hitl.evaluations", "outcome", "auto_approve")
		return &GateDecision{Outcome: GateAutoApprove}, nil
	}

	remaining, decremented, err := g.store.DecrementCounter(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if !decremented {
		g.publish(ctx, task.ProjectID, EventCounterExhausted, map[string]interface{}{
			"task_id": task.ID,
		})
		telemetry.Counter("hitl.evaluations", "outcome", "counter_expiry")
		return &GateDecision{Outcome: GateNeedsApproval, Kind: ApprovalKindCounterExpiry}, nil
	}

	g.publish(ctx, task.ProjectID, EventCounterDecremented, map[string]interface{}{
		"task_id":   task.ID,
		"remaining": remaining,
	})
	telemetry.Counter("hitl.evaluations", "outcome", "auto_approve")
	return &GateDecision{Outcome: GateAutoApprove}, nil
}

// CreateApproval persists an approval for the task, moves the task to
// waiting_for_hitl, and emits hitl.requested.
func (g *Gate) CreateApproval(ctx context.Context, task *core.Task, kind ApprovalKind, payload map[string]interface{}) (*HITLApproval, error) {
	approval := &HITLApproval{
		ID:             uuid.New().String(),
		ProjectID:      task.ProjectID,
		TaskID:         task.ID,
		AgentType:      task.AgentType,
		Kind:           kind,
		RequestPayload: payload,
		Status:         ApprovalStatusPending,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(g.config.ApprovalTTL),
	}

	if err := g.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}

	// Escalation approvals attach to an already-terminal task; the
	// task record stays as it is.
	if task.Status != core.TaskStatusWaitingForHITL && !task.Status.IsTerminal() {
		task.Status = core.TaskStatusWaitingForHITL
		if err := g.tasks.Update(ctx, task); err != nil {
			return nil, err
		}
	}

	g.publish(ctx, task.ProjectID, EventHITLRequested, map[string]interface{}{
		"approval_id": approval.ID,
		"task_id":     task.ID,
		"agent_type":  task.AgentType,
		"kind":        string(kind),
		"expires_at":  approval.ExpiresAt.Format(time.RFC3339),
	})
	telemetry.Counter("hitl.approvals.created", "kind", string(kind))
	return approval, nil
}

// Respond resolves a pending approval. Repeated responses on the same
// approval are idempotent: the recorded outcome is returned without
// side effects.
//
// approve: the task returns to pending and is re-enqueued.
// modify: user_text is stored as a user_direction artifact, attached to
// the task's inputs, then the task resumes as with approve.
// reject: the task is cancelled; the engine observing the events pauses
// the workflow for an explicit user decision.
func (g *Gate) Respond(ctx context.Context, approvalID string, action HITLAction, userText string) (*RespondOutcome, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("action %q: %w", action, ErrInvalidAction)
	}

	approval, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status.IsTerminal() {
		return &RespondOutcome{Approval: approval, AlreadyResolved: true}, nil
	}

	now := time.Now()
	approval.Action = action
	approval.UserResponse = userText
	approval.RespondedAt = &now
	switch action {
	case HITLActionApprove:
		approval.Status = ApprovalStatusApproved
	case HITLActionModify:
		approval.Status = ApprovalStatusModified
	case HITLActionReject:
		approval.Status = ApprovalStatusRejected
	}

	if err := g.store.ResolveApproval(ctx, approval); err != nil {
		// Lost a race with a concurrent respond; surface the winner
		if IsApprovalResolved(err) {
			recorded, getErr := g.store.GetApproval(ctx, approvalID)
			if getErr != nil {
				return nil, getErr
			}
			return &RespondOutcome{Approval: recorded, AlreadyResolved: true}, nil
		}
		return nil, err
	}

	task, err := g.tasks.Get(ctx, approval.TaskID)
	if err != nil {
		return nil, err
	}

	resumed := false
	directionArtifactID := ""
	switch action {
	case HITLActionApprove, HITLActionModify:
		if action == HITLActionModify && userText != "" {
			artifactID, err := g.artifacts.Put(ctx, &ContextArtifact{
				ProjectID:    task.ProjectID,
				SourceAgent:  "user",
				ArtifactType: "user_direction",
				Content:      mustJSON(map[string]string{"text": userText}),
				Metadata:     map[string]interface{}{"approval_id": approval.ID},
			})
			if err != nil {
				return nil, err
			}
			directionArtifactID = artifactID
			if !task.Status.IsTerminal() {
				task.ContextIDs = append(task.ContextIDs, artifactID)
			}
		}
		// Terminal tasks carry workflow-level escalations; resolving
		// the approval is enough, the engine decides what runs next.
		if task.Status.IsTerminal() {
			break
		}
		task.Status = core.TaskStatusPending
		task.Options.ApprovalGranted = true
		if err := g.tasks.Update(ctx, task); err != nil {
			return nil, err
		}
		if err := g.queue.Enqueue(ctx, task); err != nil {
			return nil, err
		}
		resumed = true
	case HITLActionReject:
		if task.Status.IsTerminal() {
			break
		}
		task.Status = core.TaskStatusCancelled
		task.Error = &core.TaskError{
			Code:    core.TaskErrorCodeHITLRejected,
			Message: "rejected by human reviewer",
			Details: userText,
		}
		completedAt := time.Now()
		task.CompletedAt = &completedAt
		if err := g.tasks.Update(ctx, task); err != nil {
			return nil, err
		}
		g.publish(ctx, task.ProjectID, EventTaskCancelled, map[string]interface{}{
			"task_id":      task.ID,
			"cancelled_by": "user",
			"reason":       "hitl_rejected",
		})
	}

	respondedPayload := map[string]interface{}{
		"approval_id": approval.ID,
		"task_id":     approval.TaskID,
		"action":      string(action),
		"status":      string(approval.Status),
	}
	if directionArtifactID != "" {
		respondedPayload["direction_artifact_id"] = directionArtifactID
	}
	g.publish(ctx, approval.ProjectID, EventHITLResponded, respondedPayload)
	telemetry.Counter("hitl.approvals.resolved", "action", string(action))

	return &RespondOutcome{Approval: approval, WorkflowResumed: resumed}, nil
}

// ExpireStale sweeps pending approvals past their expires_at. Each
// expired approval transitions to expired and its task to failed with
// reason hitl_timeout. Returns the number expired.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	pending, err := g.store.ListPending(ctx, "")
	if err != nil {
		return 0, err
	}

	now := time.Now()
	expired := 0
	for _, approval := range pending {
		if approval.ExpiresAt.After(now) {
			continue
		}

		approval.Status = ApprovalStatusExpired
		approval.RespondedAt = &now
		if err := g.store.ResolveApproval(ctx, approval); err != nil {
			if IsApprovalResolved(err) {
				continue
			}
			return expired, err
		}

		task, err := g.tasks.Get(ctx, approval.TaskID)
		if err == nil && !task.Status.IsTerminal() {
			task.Status = core.TaskStatusFailed
			task.Error = &core.TaskError{
				Code:    core.TaskErrorCodeHITLTimeout,
				Message: "approval expired before a decision arrived",
			}
			completedAt := now
			task.CompletedAt = &completedAt
			if err := g.tasks.Update(ctx, task); err != nil && g.logger != nil {
				g.logger.Error("Failed to fail task on approval expiry", map[string]interface{}{
					"operation":   "hitl.ExpireStale",
					"approval_id": approval.ID,
					"task_id":     approval.TaskID,
					"error":       err.Error(),
				})
			}
		}

		g.publish(ctx, approval.ProjectID, EventHITLExpired, map[string]interface{}{
			"approval_id": approval.ID,
			"task_id":     approval.TaskID,
			"kind":        string(approval.Kind),
		})
		telemetry.Counter("hitl.approvals.expired", "kind", string(approval.Kind))
		expired++
	}
	return expired, nil
}

// RunSweeper runs the expiry sweep on the configured interval until ctx
// is cancelled. Intended to run as a goroutine.
func (g *Gate) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.ExpireStale(ctx); err != nil && g.logger != nil {
				g.logger.Error("Approval expiry sweep failed", map[string]interface{}{
					"operation": "hitl.RunSweeper",
					"error":     err.Error(),
				})
			}
		}
	}
}

// ActivateStop raises an emergency stop and cancels every pending and
// waiting_for_hitl task in scope. In-flight working tasks receive
// cooperative cancellation through the canceller.
func (g *Gate) ActivateStop(ctx context.Context, scope, reason string) (*EmergencyStop, error) {
	if scope == "" {
		return nil, fmt.Errorf("stop scope is required: %w", core.ErrInvalidConfiguration)
	}

	stop := &EmergencyStop{
		ID:        uuid.New().String(),
		Scope:     scope,
		Active:    true,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if err := g.store.ActivateStop(ctx, stop); err != nil {
		return nil, err
	}

	eventProject := scope
	if scope == StopScopeGlobal {
		eventProject = ""
	}
	g.publish(ctx, eventProject, EventEmergencyStopActivated, map[string]interface{}{
		"stop_id": stop.ID,
		"scope":   scope,
		"reason":  reason,
	})
	telemetry.Counter("hitl.emergency_stops.activated", "scope_kind", scopeKind(scope))

	g.cancelTasksInScope(ctx, scope)
	return stop, nil
}

// DeactivateStop clears an emergency stop. Previously cancelled tasks
// are not resumed; the workflow must be restarted explicitly.
func (g *Gate) DeactivateStop(ctx context.Context, stopID string) (*EmergencyStop, error) {
	stop, err := g.store.DeactivateStop(ctx, stopID)
	if err != nil {
		return nil, err
	}

	eventProject := stop.Scope
	if stop.Scope == StopScopeGlobal {
		eventProject = ""
	}
	g.publish(ctx, eventProject, EventEmergencyStopDeactivated, map[string]interface{}{
		"stop_id": stop.ID,
		"scope":   stop.Scope,
	})
	return stop, nil
}

// RefillCounter sets the remaining budget and emits counter.refilled.
func (g *Gate) RefillCounter(ctx context.Context, projectID string, value int) (*HITLCounter, error) {
	if value < 0 {
		return nil, fmt.Errorf("refill value must be non-negative: %w", core.ErrInvalidConfiguration)
	}

	counter, err := g.store.GetCounter(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		counter = &HITLCounter{
			ProjectID: projectID,
			Enabled:   g.config.CounterEnabled,
		}
	}
	counter.Remaining = value
	counter.InitialValue = value
	if err := g.store.PutCounter(ctx, counter); err != nil {
		return nil, err
	}

	g.publish(ctx, projectID, EventCounterRefilled, map[string]interface{}{
		"remaining": value,
	})
	return counter, nil
}

// SetCounterEnabled toggles the counter without resetting Remaining.
func (g *Gate) SetCounterEnabled(ctx context.Context, projectID string, enabled bool) (*HITLCounter, error) {
	counter, err := g.store.GetCounter(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		counter = &HITLCounter{
			ProjectID:    projectID,
			Remaining:    g.config.CounterInitial,
			InitialValue: g.config.CounterInitial,
		}
	}
	counter.Enabled = enabled
	if err := g.store.PutCounter(ctx, counter); err != nil {
		return nil, err
	}
	return counter, nil
}

// ProjectSummary reports a project's HITL state for the summary API.
type ProjectSummary struct {
	ProjectID        string         `json:"project_id"`
	PendingCount     int            `json:"pending_count"`
	Counter          *HITLCounter   `json:"counter,omitempty"`
	ActiveStop       *EmergencyStop `json:"active_stop,omitempty"`
	PendingKindTally map[string]int `json:"pending_by_kind,omitempty"`
}

// Summary returns counts and counter state for a project.
func (g *Gate) Summary(ctx context.Context, projectID string) (*ProjectSummary, error) {
	pending, err := g.store.ListPending(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counter, err := g.store.GetCounter(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stop, err := g.store.ActiveStopFor(ctx, projectID)
	if err != nil {
		return nil, err
	}

	tally := make(map[string]int)
	for _, a := range pending {
		tally[string(a.Kind)]++
	}
	return &ProjectSummary{
		ProjectID:        projectID,
		PendingCount:     len(pending),
		Counter:          counter,
		ActiveStop:       stop,
		PendingKindTally: tally,
	}, nil
}

// ListPending exposes pending approvals for the HTTP layer.
func (g *Gate) ListPending(ctx context.Context, projectID string) ([]*HITLApproval, error) {
	return g.store.ListPending(ctx, projectID)
}

// GetApproval exposes approval lookup for the HTTP layer.
func (g *Gate) GetApproval(ctx context.Context, approvalID string) (*HITLApproval, error) {
	return g.store.GetApproval(ctx, approvalID)
}

// cancelTasksInScope cancels all non-terminal tasks covered by a stop.
func (g *Gate) cancelTasksInScope(ctx context.Context, scope string) {
	if g.canceller == nil {
		return
	}

	var tasks []*core.Task
	var err error
	if scope == StopScopeGlobal {
		var pending, waiting []*core.Task
		pending, err = g.tasks.ListByStatus(ctx, core.TaskStatusPending)
		if err == nil {
			waiting, err = g.tasks.ListByStatus(ctx, core.TaskStatusWaitingForHITL)
			tasks = append(pending, waiting...)
		}
		if err == nil {
			var working []*core.Task
			working, err = g.tasks.ListByStatus(ctx, core.TaskStatusWorking)
			tasks = append(tasks, working...)
		}
	} else {
		tasks, err = g.tasks.ListByProject(ctx, scope)
	}
	if err != nil {
		if g.logger != nil {
			g.logger.Error("Failed to enumerate tasks for emergency stop", map[string]interface{}{
				"operation": "hitl.cancelTasksInScope",
				"scope":     scope,
				"error":     err.Error(),
			})
		}
		return
	}

	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		if err := g.canceller.Cancel(ctx, task.ID, "system"); err != nil && g.logger != nil {
			g.logger.Warn("Failed to cancel task during emergency stop", map[string]interface{}{
				"operation": "hitl.cancelTasksInScope",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
	}
}

func (g *Gate) publish(ctx context.Context, projectID string, kind EventKind, payload map[string]interface{}) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, NewEvent(projectID, kind, payload)); err != nil && g.logger != nil {
		g.logger.Error("Failed to publish event", map[string]interface{}{
			"operation":  "hitl.publish",
			"kind":       string(kind),
			"project_id": projectID,
			"error":      err.Error(),
		})
	}
}

func scopeKind(scope string) string {
	if scope == StopScopeGlobal {
		return "global"
	}
	return "project"
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
