package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ensembleworks/ensemble/core"
)

// newGateEnv seeds a project and a pending task ready for gating.
func newGateEnv(t *testing.T, cfg envConfig) (*testEnv, *core.Task) {
	t.Helper()
	env := newTestEnv(t, cfg)
	env.createProject(t, "proj-1")
	task := core.NewTask("task-1", "proj-1", "coder", "implement the feature")
	if err := env.tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return env, task
}

// ============================================================================
// Evaluate: Decision Order
// ============================================================================

func TestEvaluateAutoApprovesWithoutCounter(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())

	decision, err := env.gate.Evaluate(context.Background(), task, EvaluationContext{Phase: "build"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateAutoApprove {
		t.Fatalf("expected auto approve, got %s", decision.Outcome)
	}
}

func TestEvaluateHaltsDuringEmergencyStop(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	if _, err := env.gate.ActivateStop(ctx, "proj-1", "runaway agent"); err != nil {
		t.Fatalf("ActivateStop failed: %v", err)
	}

	// The stop cancelled the pending task; evaluate a fresh one.
	task2 := core.NewTask("task-2", "proj-1", "coder", "more work")
	decision, err := env.gate.Evaluate(ctx, task2, EvaluationContext{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateHalt {
		t.Fatalf("expected halt, got %s", decision.Outcome)
	}
	if decision.Reason != "runaway agent" {
		t.Errorf("halt should carry the stop reason, got %q", decision.Reason)
	}
	_ = task
}

func TestEvaluateAdmitsGrantedTaskWithoutReEvaluation(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.policy = &RulePolicy{ReviewPatterns: []string{"implement"}}
	env, task := newGateEnv(t, cfg)

	// Without the grant the policy would flag the task for review.
	decision, err := env.gate.Evaluate(context.Background(), task, EvaluationContext{Phase: "build"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateNeedsApproval || decision.Kind != ApprovalKindPreExecution {
		t.Fatalf("expected pre_execution review, got %+v", decision)
	}

	task.Options.ApprovalGranted = true
	decision, err = env.gate.Evaluate(context.Background(), task, EvaluationContext{Phase: "build"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateAutoApprove {
		t.Fatalf("granted task must not loop back into review, got %s", decision.Outcome)
	}
}

func TestEvaluatePolicyDeny(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.policy = &RulePolicy{
		AllowedAgents: map[string][]string{"analyze": {"analyst"}},
	}
	env, task := newGateEnv(t, cfg)

	decision, err := env.gate.Evaluate(context.Background(), task, EvaluationContext{Phase: "analyze"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateNeedsApproval || decision.Kind != ApprovalKindPolicyViolation {
		t.Fatalf("expected policy_violation approval, got %+v", decision)
	}

	violations := env.eventsOfKind(t, "proj-1", EventPolicyViolation)
	if len(violations) != 1 {
		t.Fatalf("expected a policy.violation event, got %d", len(violations))
	}
	if violations[0].Payload["task_id"] != "task-1" {
		t.Errorf("unexpected violation payload: %+v", violations[0].Payload)
	}
}

func TestEvaluateStepRequiredApproval(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())

	decision, err := env.gate.Evaluate(context.Background(), task, EvaluationContext{
		Phase:           "design",
		RequireApproval: true,
		ApprovalKind:    ApprovalKindPhaseGate,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateNeedsApproval || decision.Kind != ApprovalKindPhaseGate {
		t.Fatalf("expected phase_gate approval, got %+v", decision)
	}

	// Kind defaults to pre_execution when unset.
	decision, err = env.gate.Evaluate(context.Background(), task, EvaluationContext{RequireApproval: true})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Kind != ApprovalKindPreExecution {
		t.Fatalf("expected pre_execution default, got %s", decision.Kind)
	}
}

func TestEvaluateCounterBudget(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.hitl.CounterInitial = 2
	env, task := newGateEnv(t, cfg)
	ctx := context.Background()

	if err := env.gate.InitCounter(ctx, "proj-1"); err != nil {
		t.Fatalf("InitCounter failed: %v", err)
	}

	// Two silent auto-approvals consume the budget.
	for i := 0; i < 2; i++ {
		decision, err := env.gate.Evaluate(ctx, task, EvaluationContext{})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if decision.Outcome != GateAutoApprove {
			t.Fatalf("budget decrement %d: expected auto approve, got %s", i, decision.Outcome)
		}
	}
	if got := len(env.eventsOfKind(t, "proj-1", EventCounterDecremented)); got != 2 {
		t.Fatalf("expected 2 counter.decremented events, got %d", got)
	}

	// The third evaluation finds the counter exhausted.
	decision, err := env.gate.Evaluate(ctx, task, EvaluationContext{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateNeedsApproval || decision.Kind != ApprovalKindCounterExpiry {
		t.Fatalf("expected counter_expiry approval, got %+v", decision)
	}
	if got := len(env.eventsOfKind(t, "proj-1", EventCounterExhausted)); got != 1 {
		t.Fatalf("expected a counter.exhausted event, got %d", got)
	}
}

func TestEvaluateCounterDisabled(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	if _, err := env.gate.RefillCounter(ctx, "proj-1", 5); err != nil {
		t.Fatalf("RefillCounter failed: %v", err)
	}
	if _, err := env.gate.SetCounterEnabled(ctx, "proj-1", false); err != nil {
		t.Fatalf("SetCounterEnabled failed: %v", err)
	}

	decision, err := env.gate.Evaluate(ctx, task, EvaluationContext{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != GateAutoApprove {
		t.Fatalf("expected auto approve, got %s", decision.Outcome)
	}

	// Disabled counters are not decremented.
	counter, err := env.hitl.GetCounter(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	if counter.Remaining != 5 {
		t.Errorf("disabled counter was decremented to %d", counter.Remaining)
	}
}

// ============================================================================
// CreateApproval / Respond
// ============================================================================

func TestCreateApprovalSuspendsTask(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	approval, err := env.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, map[string]interface{}{
		"step_id": "implement",
	})
	if err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}
	if approval.Status != ApprovalStatusPending || approval.ExpiresAt.IsZero() {
		t.Fatalf("unexpected approval: %+v", approval)
	}

	got := env.getTask(t, task.ID)
	if got.Status != core.TaskStatusWaitingForHITL {
		t.Fatalf("task should be waiting_for_hitl, got %s", got.Status)
	}

	requested := env.eventsOfKind(t, "proj-1", EventHITLRequested)
	if len(requested) != 1 {
		t.Fatalf("expected a hitl.requested event, got %d", len(requested))
	}
	if requested[0].Payload["approval_id"] != approval.ID {
		t.Errorf("unexpected request payload: %+v", requested[0].Payload)
	}
}

func TestRespondApproveResumesTask(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	approval, err := env.gate.CreateApproval(ctx, task, ApprovalKindPhaseGate, nil)
	if err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	outcome, err := env.gate.Respond(ctx, approval.ID, HITLActionApprove, "looks good")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !outcome.WorkflowResumed || outcome.AlreadyResolved {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Approval.Status != ApprovalStatusApproved {
		t.Errorf("approval should be approved, got %s", outcome.Approval.Status)
	}

	got := env.getTask(t, task.ID)
	if got.Status != core.TaskStatusPending {
		t.Fatalf("approved task should return to pending, got %s", got.Status)
	}
	if !got.Options.ApprovalGranted {
		t.Error("approved task must carry the grant so it is not re-gated")
	}

	length, err := env.queue.Length(ctx)
	if err != nil || length != 1 {
		t.Fatalf("approved task should be re-enqueued: length %d, %v", length, err)
	}
}

func TestRespondModifyAttachesDirection(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	approval, err := env.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, nil)
	if err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	outcome, err := env.gate.Respond(ctx, approval.ID, HITLActionModify, "use the existing auth library")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !outcome.WorkflowResumed {
		t.Fatal("modify should resume the task")
	}
	if outcome.Approval.Status != ApprovalStatusModified {
		t.Errorf("approval should be modified, got %s", outcome.Approval.Status)
	}

	got := env.getTask(t, task.ID)
	if len(got.ContextIDs) != 1 {
		t.Fatalf("direction artifact not attached: %+v", got.ContextIDs)
	}

	direction, err := env.artifacts.Get(ctx, got.ContextIDs[0])
	if err != nil {
		t.Fatalf("direction artifact not stored: %v", err)
	}
	if direction.ArtifactType != "user_direction" || direction.SourceAgent != "user" {
		t.Errorf("unexpected direction artifact: %+v", direction)
	}
	if direction.Metadata["approval_id"] != approval.ID {
		t.Errorf("direction should reference the approval: %+v", direction.Metadata)
	}

	responded := env.eventsOfKind(t, "proj-1", EventHITLResponded)
	if len(responded) != 1 || responded[0].Payload["direction_artifact_id"] != got.ContextIDs[0] {
		t.Errorf("hitl.responded should reference the direction artifact: %+v", responded)
	}
}

func TestRespondRejectCancelsTask(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	approval, err := env.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, nil)
	if err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	outcome, err := env.gate.Respond(ctx, approval.ID, HITLActionReject, "wrong direction")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if outcome.WorkflowResumed {
		t.Fatal("reject must not resume the task")
	}

	got := env.getTask(t, task.ID)
	if got.Status != core.TaskStatusCancelled {
		t.Fatalf("rejected task should be cancelled, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Code != core.TaskErrorCodeHITLRejected {
		t.Fatalf("unexpected task error: %+v", got.Error)
	}

	cancelled := env.eventsOfKind(t, "proj-1", EventTaskCancelled)
	if len(cancelled) != 1 || cancelled[0].Payload["reason"] != "hitl_rejected" {
		t.Errorf("unexpected task.cancelled event: %+v", cancelled)
	}
}

func TestRespondIsIdempotent(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	approval, err := env.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, nil)
	if err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	if _, err := env.gate.Respond(ctx, approval.ID, HITLActionApprove, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	// A repeated response returns the recorded outcome without flipping it.
	outcome, err := env.gate.Respond(ctx, approval.ID, HITLActionReject, "changed my mind")
	if err != nil {
		t.Fatalf("repeat Respond failed: %v", err)
	}
	if !outcome.AlreadyResolved {
		t.Fatal("repeat response should report AlreadyResolved")
	}
	if outcome.Approval.Status != ApprovalStatusApproved {
		t.Errorf("recorded outcome must stand, got %s", outcome.Approval.Status)
	}

	got := env.getTask(t, task.ID)
	if got.Status != core.TaskStatusPending {
		t.Errorf("task state must not change on a repeat, got %s", got.Status)
	}
}

func TestRespondRejectsInvalidAction(t *testing.T) {
	env, _ := newGateEnv(t, defaultEnvConfig())
	if _, err := env.gate.Respond(context.Background(), "any", HITLAction("escalate"), ""); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestRespondUnknownApproval(t *testing.T) {
	env, _ := newGateEnv(t, defaultEnvConfig())
	if _, err := env.gate.Respond(context.Background(), "missing", HITLActionApprove, ""); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("expected ErrApprovalNotFound, got %v", err)
	}
}

// ============================================================================
// Expiry
// ============================================================================

func TestExpireStaleFailsTask(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.hitl.ApprovalTTL = time.Millisecond
	env, task := newGateEnv(t, cfg)
	ctx := context.Background()

	approval, err := env.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, nil)
	if err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	expired, err := env.gate.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired approval, got %d", expired)
	}

	got, err := env.gate.GetApproval(ctx, approval.ID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Status != ApprovalStatusExpired {
		t.Errorf("approval should be expired, got %s", got.Status)
	}

	failed := env.getTask(t, task.ID)
	if failed.Status != core.TaskStatusFailed {
		t.Fatalf("task should be failed, got %s", failed.Status)
	}
	if failed.Error == nil || failed.Error.Code != core.TaskErrorCodeHITLTimeout {
		t.Fatalf("unexpected task error: %+v", failed.Error)
	}

	if got := len(env.eventsOfKind(t, "proj-1", EventHITLExpired)); got != 1 {
		t.Errorf("expected a hitl.expired event, got %d", got)
	}
}

func TestExpireStaleLeavesFreshApprovals(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	if _, err := env.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, nil); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	expired, err := env.gate.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if expired != 0 {
		t.Fatalf("fresh approval expired: %d", expired)
	}
}

// ============================================================================
// Emergency Stop
// ============================================================================

func TestActivateStopCancelsTasksInScope(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	env.createProject(t, "proj-2")
	other := core.NewTask("task-other", "proj-2", "coder", "unrelated work")
	if err := env.tasks.Create(ctx, other); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	stop, err := env.gate.ActivateStop(ctx, "proj-1", "incident")
	if err != nil {
		t.Fatalf("ActivateStop failed: %v", err)
	}

	if got := env.getTask(t, task.ID); got.Status != core.TaskStatusCancelled {
		t.Fatalf("in-scope task should be cancelled, got %s", got.Status)
	}
	if got := env.getTask(t, other.ID); got.Status != core.TaskStatusPending {
		t.Fatalf("out-of-scope task must be untouched, got %s", got.Status)
	}

	if got := len(env.eventsOfKind(t, "proj-1", EventEmergencyStopActivated)); got != 1 {
		t.Errorf("expected an emergency_stop.activated event, got %d", got)
	}

	// Deactivation clears the halt but does not resume cancelled work.
	if _, err := env.gate.DeactivateStop(ctx, stop.ID); err != nil {
		t.Fatalf("DeactivateStop failed: %v", err)
	}
	if active, _ := env.hitl.ActiveStopFor(ctx, "proj-1"); active != nil {
		t.Fatal("stop should be inactive")
	}
	if got := env.getTask(t, task.ID); got.Status != core.TaskStatusCancelled {
		t.Errorf("cancelled task must stay cancelled, got %s", got.Status)
	}
}

// ============================================================================
// Summary
// ============================================================================

func TestGateSummary(t *testing.T) {
	env, task := newGateEnv(t, defaultEnvConfig())
	ctx := context.Background()

	if err := env.gate.InitCounter(ctx, "proj-1"); err != nil {
		t.Fatalf("InitCounter failed: %v", err)
	}
	if _, err := env.gate.CreateApproval(ctx, task, ApprovalKindPhaseGate, nil); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	summary, err := env.gate.Summary(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.PendingCount != 1 {
		t.Errorf("expected 1 pending approval, got %d", summary.PendingCount)
	}
	if summary.Counter == nil || summary.Counter.Remaining != 10 {
		t.Errorf("unexpected counter: %+v", summary.Counter)
	}
	if summary.ActiveStop != nil {
		t.Errorf("no stop should be active: %+v", summary.ActiveStop)
	}
	if summary.PendingKindTally["phase_gate"] != 1 {
		t.Errorf("unexpected tally: %+v", summary.PendingKindTally)
	}
}
