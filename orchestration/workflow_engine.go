// Package orchestration provides the workflow engine.
//
// The engine interprets a workflow definition and drives a WorkflowRun
// to completion, delegating task execution to the scheduler, approvals
// to the HITL gate, and artifact storage to the context store. One
// goroutine drives each active run; drivers are cheap and suspend on
// the event fabric while a task executes, so one slow step never
// impedes other projects.
//
// The engine itself is stateless: everything needed to resume a run
// after a crash lives in the WorkflowRun record.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/telemetry"
)

const (
	// defaultWorkflowRetryLimit is the number of workflow-level retries
	// per step, beyond the scheduler's own attempt ladder. After
	// exhaustion the failure escalates to a human.
	defaultWorkflowRetryLimit = 1

	// taskPollInterval paces the store poll that backs up event
	// delivery while awaiting a task's terminal status.
	taskPollInterval = time.Second

	// queueFullBackoff paces Submit retries when the queue is at its
	// high-water mark.
	queueFullBackoff = 500 * time.Millisecond
)

// Run pause reasons.
const (
	PauseReasonWaitingForHITL = "waiting_for_hitl"
	PauseReasonHITLRejected   = "hitl_rejected"
	PauseReasonEmergencyStop  = "emergency_stop"
	PauseReasonStepFailed     = "step_failed"
)

// stepOutcome is the result of driving one step (or parallel group).
type stepOutcome int

const (
	stepAdvanced stepOutcome = iota
	stepPausedRun
	stepEndedRun
)

// Engine drives workflow runs.
type Engine struct {
	runs      WorkflowRunStore
	defs      *DefinitionRegistry
	projects  core.ProjectStore
	tasks     core.TaskStore
	artifacts ContextStore
	scheduler *Scheduler
	gate      *Gate
	bus       EventBus
	logger    core.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup

	mu      sync.Mutex
	driving map[string]bool

	retryLimit int
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger for engine operations.
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			e.logger = cal.WithComponent("orchestration/engine")
		} else {
			e.logger = logger
		}
	}
}

// WithWorkflowRetryLimit overrides the per-step workflow retry limit.
func WithWorkflowRetryLimit(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.retryLimit = n
		}
	}
}

// NewEngine creates the workflow engine and registers the built-in
// executor that backs marker gate steps.
func NewEngine(runs WorkflowRunStore, defs *DefinitionRegistry, projects core.ProjectStore,
	tasks core.TaskStore, artifacts ContextStore, scheduler *Scheduler, gate *Gate,
	bus EventBus, opts ...EngineOption) *Engine {

	e := &Engine{
		runs:       runs,
		defs:       defs,
		projects:   projects,
		tasks:      tasks,
		artifacts:  artifacts,
		scheduler:  scheduler,
		gate:       gate,
		bus:        bus,
		driving:    make(map[string]bool),
		retryLimit: defaultWorkflowRetryLimit,
	}
	for _, opt := range opts {
		opt(e)
	}

	// A gate task records its passage as an artifact, so every
	// completed task carries at least one output.
	scheduler.registry.Register(AgentTypeGate,
		AgentExecutorFunc(func(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
			content, err := json.Marshal(map[string]string{"gate": instructions})
			if err != nil {
				return nil, err
			}
			return []*ContextArtifact{{
				SourceAgent:  AgentTypeGate,
				ArtifactType: ArtifactTypeApprovalRecord,
				Content:      content,
			}}, nil
		}))
	return e
}

// CreateProject creates a project, seeds its approval counter, and
// emits project.created.
func (e *Engine) CreateProject(ctx context.Context, name string) (*core.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required: %w", core.ErrInvalidConfiguration)
	}
	project := core.NewProject(uuid.New().String(), name)
	if err := e.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	if err := e.gate.InitCounter(ctx, project.ID); err != nil {
		return nil, err
	}
	e.publish(ctx, project.ID, EventProjectCreated, map[string]interface{}{
		"name": project.Name,
	})
	telemetry.Counter("engine.projects.created")
	return project, nil
}

// StartWorkflow creates a run for the project and begins driving it.
// A project owns at most one run.
func (e *Engine) StartWorkflow(ctx context.Context, projectID, definitionID string) (*WorkflowRun, error) {
	def, err := e.defs.Lookup(definitionID)
	if err != nil {
		return nil, err
	}
	project, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return nil, fmt.Errorf("project %s is %s: %w", projectID, project.Status, core.ErrProjectTerminal)
	}

	run := NewWorkflowRun(uuid.New().String(), projectID, definitionID)
	run.Status = RunStatusRunning
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	e.publish(ctx, projectID, EventWorkflowStarted, map[string]interface{}{
		"run_id":        run.ID,
		"definition_id": def.ID,
	})
	telemetry.Counter("engine.workflows.started", "definition_id", def.ID)

	e.spawnDriver(run.ID)
	return run, nil
}

// ResumeRun restarts a paused run (after a rejection, an emergency
// stop, or an explicit pause). The current step is re-driven.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, core.ErrAlreadyTerminal)
	}
	if run.Status == RunStatusPaused {
		run.Status = RunStatusRunning
		run.PauseReason = ""
		run.PendingApprovalID = ""
		if err := e.runs.Update(ctx, run); err != nil {
			return nil, err
		}
		e.publish(ctx, run.ProjectID, EventWorkflowResumed, map[string]interface{}{
			"run_id": run.ID,
		})
	}
	e.spawnDriver(run.ID)
	return run, nil
}

// GetRun exposes run lookup for the HTTP layer.
func (e *Engine) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	return e.runs.Get(ctx, runID)
}

// GetRunByProject exposes project run lookup for the HTTP layer.
func (e *Engine) GetRunByProject(ctx context.Context, projectID string) (*WorkflowRun, error) {
	return e.runs.GetByProject(ctx, projectID)
}

// Start recovers in-flight runs and begins driving them. Runs paused
// without a pending approval wait for an explicit resume.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)

	for _, status := range []RunStatus{RunStatusRunning, RunStatusPaused} {
		runs, err := e.runs.ListByStatus(e.runCtx, status)
		if err != nil {
			return fmt.Errorf("failed to recover %s runs: %w", status, err)
		}
		for _, run := range runs {
			if run.Status == RunStatusPaused && run.PendingApprovalID == "" {
				continue
			}
			e.spawnDriver(run.ID)
		}
	}

	if e.logger != nil {
		e.logger.Info("Workflow engine started", map[string]interface{}{
			"operation": "engine.Start",
		})
	}
	return nil
}

// Stop halts all run drivers. Runs persist their state and recover on
// the next Start.
func (e *Engine) Stop() {
	if !e.started.Load() || e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	if e.logger != nil {
		e.logger.Info("Workflow engine stopped", map[string]interface{}{
			"operation": "engine.Stop",
		})
	}
}

// spawnDriver starts the run's driver goroutine unless one is active.
func (e *Engine) spawnDriver(runID string) {
	e.mu.Lock()
	if e.driving[runID] {
		e.mu.Unlock()
		return
	}
	e.driving[runID] = true
	e.mu.Unlock()

	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.driving, runID)
			e.mu.Unlock()
			if r := recover(); r != nil && e.logger != nil {
				e.logger.Error("Run driver panic", map[string]interface{}{
					"operation": "engine.driveRun",
					"run_id":    runID,
					"panic":     fmt.Sprintf("%v", r),
					"stack":     string(debug.Stack()),
				})
			}
		}()
		e.driveRun(ctx, runID)
	}()
}

// driveRun executes a run's step loop until the run ends, pauses, or
// the engine shuts down.
func (e *Engine) driveRun(ctx context.Context, runID string) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("Failed to load run", map[string]interface{}{
				"operation": "engine.driveRun",
				"run_id":    runID,
				"error":     err.Error(),
			})
		}
		return
	}

	def, err := e.defs.Lookup(run.DefinitionID)
	if err != nil {
		e.failRun(ctx, run, &RunError{
			Code:    RunErrorCodeDefinition,
			Message: fmt.Sprintf("definition %s is not registered", run.DefinitionID),
		})
		return
	}

	sub, err := e.bus.Subscribe(run.ProjectID)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("Failed to subscribe run driver", map[string]interface{}{
				"operation": "engine.driveRun",
				"run_id":    runID,
				"error":     err.Error(),
			})
		}
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, err = e.runs.Get(ctx, run.ID)
		if err != nil {
			return
		}
		if run.Status.IsTerminal() {
			return
		}

		// Paused on a workflow-level escalation: wait for the human.
		// A run paused on an ordinary gate wait falls through to the
		// step drive instead, which re-adopts the suspended task; the
		// gate has already re-enqueued it if the approval was granted,
		// so resubmitting here would duplicate the step's task.
		if run.Status == RunStatusPaused {
			if run.PendingApprovalID == "" {
				return
			}
			if run.PauseReason != PauseReasonWaitingForHITL {
				outcome := e.awaitEscalation(ctx, run, def, sub)
				if outcome != stepAdvanced {
					return
				}
				continue
			}
		}

		step := def.Step(run.CurrentStepIndex)
		if step == nil {
			e.completeRun(ctx, run)
			return
		}

		var outcome stepOutcome
		if step.ParallelGroup != "" {
			outcome = e.driveGroup(ctx, run, def, sub)
		} else {
			outcome = e.driveStep(ctx, run, def, step, sub, false)
		}
		if outcome != stepAdvanced {
			return
		}
	}
}

// driveStep executes one step: condition, phase marker, task
// submission, terminal wait, and output merge. forceNew submits a
// fresh task even when a prior one exists (workflow retries).
func (e *Engine) driveStep(ctx context.Context, run *WorkflowRun, def *WorkflowDefinition,
	step *WorkflowStep, sub *Subscription, forceNew bool) stepOutcome {

	project, err := e.projects.Get(ctx, run.ProjectID)
	if err != nil {
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeStepFailed,
			Message: "project record unavailable: " + err.Error(),
		})
		return stepEndedRun
	}

	pass, err := e.evalStepCondition(ctx, run, project, step)
	if err != nil {
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeDefinition,
			Message: err.Error(),
		})
		return stepEndedRun
	}
	if !pass {
		if step.Optional {
			return e.advancePast(ctx, run, step, "", true)
		}
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeConditionFailed,
			Message: fmt.Sprintf("required step condition %q is false", step.Condition),
		})
		return stepEndedRun
	}

	if step.Phase != "" && project.CurrentPhase != step.Phase {
		project.CurrentPhase = step.Phase
		project.UpdatedAt = time.Now()
		if err := e.projects.Update(ctx, project); err != nil {
			e.failRun(ctx, run, &RunError{
				StepID: step.StepID, Code: RunErrorCodeStepFailed,
				Message: "failed to record phase transition: " + err.Error(),
			})
			return stepEndedRun
		}
		e.publish(ctx, run.ProjectID, EventWorkflowPhaseChanged, map[string]interface{}{
			"run_id":  run.ID,
			"step_id": step.StepID,
			"phase":   step.Phase,
		})
	}

	// Pure marker without an approval requirement: nothing to run
	if step.IsMarker() && !step.RequireApproval {
		return e.advancePast(ctx, run, step, "", false)
	}

	task, outcome := e.resolveStepTask(ctx, run, step, forceNew)
	if task == nil {
		return outcome
	}

	terminal, outcome := e.awaitTask(ctx, run, task, sub)
	if terminal == nil {
		return outcome
	}

	switch terminal.Status {
	case core.TaskStatusCompleted:
		if err := e.mergeOutputs(ctx, run, terminal); err != nil {
			e.failRun(ctx, run, &RunError{
				StepID: step.StepID, Code: RunErrorCodeStepFailed,
				Message: "failed to merge step outputs: " + err.Error(),
			})
			return stepEndedRun
		}
		return e.advancePast(ctx, run, step, terminal.ID, false)

	case core.TaskStatusCancelled:
		return e.handleStepCancellation(ctx, run, step, terminal)

	default: // failed
		return e.handleStepFailure(ctx, run, def, step, terminal, sub)
	}
}

// resolveStepTask finds the step's in-flight or completed task, or
// submits a new one. A nil task means the returned outcome stands.
func (e *Engine) resolveStepTask(ctx context.Context, run *WorkflowRun,
	step *WorkflowStep, forceNew bool) (*core.Task, stepOutcome) {

	// An existing task for this step (in-flight, or terminal after a
	// crash landed between the task's finish and the index advance)
	// is adopted rather than duplicated.
	if !forceNew {
		if existing := e.latestStepTask(ctx, run, step.StepID); existing != nil {
			return existing, stepAdvanced
		}
	}
	return e.submitStepTask(ctx, run, step, nil)
}

// latestStepTask returns the most recent task for (run, step), if any.
func (e *Engine) latestStepTask(ctx context.Context, run *WorkflowRun, stepID string) *core.Task {
	all, err := e.tasks.ListByProject(ctx, run.ProjectID)
	if err != nil {
		return nil
	}
	var latest *core.Task
	for _, t := range all {
		if t.WorkflowRunID != run.ID || t.StepID != stepID {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return latest
}

// submitStepTask builds and submits the step's task, retrying on a
// full queue. extraContext appends artifact ids beyond the step's
// declared requires (user direction from a modify response).
func (e *Engine) submitStepTask(ctx context.Context, run *WorkflowRun,
	step *WorkflowStep, extraContext []string) (*core.Task, stepOutcome) {

	contextIDs, missing, err := e.resolveRequires(ctx, run, step)
	if err != nil {
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeStepFailed,
			Message: "failed to resolve step inputs: " + err.Error(),
		})
		return nil, stepEndedRun
	}
	if len(missing) > 0 {
		// A missing requirement is a step failure, not a definition
		// error: the task record carries missing_input and the normal
		// retry and escalation path applies.
		return e.recordMissingInput(ctx, run, step, missing)
	}
	contextIDs = append(contextIDs, extraContext...)

	agentType := step.AgentType
	instructions := step.Instructions
	if step.IsMarker() {
		agentType = AgentTypeGate
		instructions = "approval gate: " + step.StepID
	}

	task := core.NewTask(uuid.New().String(), run.ProjectID, agentType, instructions)
	task.WorkflowRunID = run.ID
	task.StepID = step.StepID
	task.ContextIDs = contextIDs
	if step.RequireApproval || step.IsMarker() {
		task.Options.RequireApproval = true
		if step.IsMarker() {
			task.Options.ApprovalKind = string(ApprovalKindPhaseGate)
		} else {
			task.Options.ApprovalKind = string(ApprovalKindPreExecution)
		}
	}

	e.publish(ctx, run.ProjectID, EventWorkflowStepStarted, map[string]interface{}{
		"run_id":  run.ID,
		"step_id": step.StepID,
		"task_id": task.ID,
	})

	for {
		_, err := e.scheduler.Submit(ctx, task)
		if err == nil {
			return task, stepAdvanced
		}
		if core.IsRetryable(err) {
			select {
			case <-ctx.Done():
				return nil, stepPausedRun
			case <-time.After(queueFullBackoff):
				continue
			}
		}
		if isHalted(err) {
			e.pauseRun(ctx, run, "", PauseReasonEmergencyStop, true)
			return nil, stepPausedRun
		}
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeStepFailed,
			Message: "task submission rejected: " + err.Error(),
		})
		return nil, stepEndedRun
	}
}

// recordMissingInput persists a failed task for a step whose required
// artifact types do not exist yet.
func (e *Engine) recordMissingInput(ctx context.Context, run *WorkflowRun,
	step *WorkflowStep, missing []string) (*core.Task, stepOutcome) {

	task := core.NewTask(uuid.New().String(), run.ProjectID, step.AgentType, step.Instructions)
	task.WorkflowRunID = run.ID
	task.StepID = step.StepID
	task.Status = core.TaskStatusFailed
	task.Error = &core.TaskError{
		Code:    core.TaskErrorCodeMissingInput,
		Message: fmt.Sprintf("required artifact types not present: %v", missing),
	}
	now := time.Now()
	task.CompletedAt = &now

	if err := e.tasks.Create(ctx, task); err != nil {
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeStepFailed,
			Message: "failed to record missing-input failure: " + err.Error(),
		})
		return nil, stepEndedRun
	}
	e.publish(ctx, run.ProjectID, EventTaskFailed, map[string]interface{}{
		"task_id": task.ID,
		"step_id": step.StepID,
		"code":    core.TaskErrorCodeMissingInput,
		"missing": missing,
	})
	return task, stepAdvanced
}

// awaitTask suspends until the task reaches a terminal status. It
// handles pause/resume bookkeeping for approvals raised on the task.
// Event delivery is backed up by a store poll, so a dropped
// subscription only adds latency.
func (e *Engine) awaitTask(ctx context.Context, run *WorkflowRun,
	task *core.Task, sub *Subscription) (*core.Task, stepOutcome) {

	if current, err := e.tasks.Get(ctx, task.ID); err == nil && current.Status.IsTerminal() {
		return current, stepAdvanced
	}

	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, stepPausedRun

		case event, ok := <-events:
			if !ok {
				// Dropped for backpressure; fall back to polling
				events = nil
				continue
			}
			if event.Kind == EventHITLRequested && event.TaskID() == task.ID {
				approvalID, _ := event.Payload["approval_id"].(string)
				e.pauseRun(ctx, run, approvalID, PauseReasonWaitingForHITL, false)
				continue
			}
			if event.Kind == EventHITLResponded && event.TaskID() == task.ID {
				action, _ := event.Payload["action"].(string)
				if action == string(HITLActionApprove) || action == string(HITLActionModify) {
					e.markResumed(ctx, run)
				}
				continue
			}
			if event.TaskID() != task.ID {
				continue
			}
			switch event.Kind {
			case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
				return e.freshTask(ctx, task.ID)
			}

		case <-ticker.C:
			current, err := e.tasks.Get(ctx, task.ID)
			if err != nil {
				continue
			}
			if current.Status.IsTerminal() {
				return current, stepAdvanced
			}
		}
	}
}

func (e *Engine) freshTask(ctx context.Context, taskID string) (*core.Task, stepOutcome) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, stepPausedRun
	}
	return task, stepAdvanced
}

// handleStepCancellation maps a cancelled task to the run-level
// reaction: rejection and emergency stop both pause the run for an
// explicit human decision.
func (e *Engine) handleStepCancellation(ctx context.Context, run *WorkflowRun,
	step *WorkflowStep, task *core.Task) stepOutcome {

	reason := PauseReasonHITLRejected
	if task.Error == nil || task.Error.Code != core.TaskErrorCodeHITLRejected {
		if stop, err := e.gate.store.ActiveStopFor(ctx, run.ProjectID); err == nil && stop != nil {
			reason = PauseReasonEmergencyStop
		} else {
			reason = "task_cancelled"
		}
	}
	e.pauseRun(ctx, run, "", reason, true)
	return stepPausedRun
}

// handleStepFailure applies the workflow-level retry policy, then
// escalates to a human (retry / skip / abort).
func (e *Engine) handleStepFailure(ctx context.Context, run *WorkflowRun, def *WorkflowDefinition,
	step *WorkflowStep, task *core.Task, sub *Subscription) stepOutcome {

	if run.StepRetries == nil {
		run.StepRetries = make(map[string]int)
	}
	if run.StepRetries[step.StepID] < e.retryLimit {
		run.StepRetries[step.StepID]++
		if err := e.runs.Update(ctx, run); err != nil {
			return stepPausedRun
		}
		if e.logger != nil {
			e.logger.WarnWithContext(ctx, "Step failed, retrying at workflow level", map[string]interface{}{
				"operation": "engine.handleStepFailure",
				"run_id":    run.ID,
				"step_id":   step.StepID,
				"retry":     run.StepRetries[step.StepID],
			})
		}
		telemetry.Counter("engine.steps.retried", "step_id", step.StepID)
		return e.driveStep(ctx, run, def, step, sub, true)
	}

	payload := map[string]interface{}{
		"escalation": true,
		"step_id":    step.StepID,
		"optional":   step.Optional,
	}
	if task.Error != nil {
		payload["failure_code"] = task.Error.Code
		payload["failure_message"] = task.Error.Message
	}
	approval, err := e.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, payload)
	if err != nil {
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeStepFailed,
			Message: "failed to escalate step failure: " + err.Error(),
		})
		return stepEndedRun
	}

	e.pauseRun(ctx, run, approval.ID, PauseReasonStepFailed, true)
	return e.awaitEscalation(ctx, run, def, sub)
}

// awaitEscalation waits for the human decision on a workflow-level
// escalation approval. Approve or modify retries the step; reject
// skips an optional step or aborts the run.
func (e *Engine) awaitEscalation(ctx context.Context, run *WorkflowRun,
	def *WorkflowDefinition, sub *Subscription) stepOutcome {

	approvalID := run.PendingApprovalID
	step := def.Step(run.CurrentStepIndex)
	if step == nil || approvalID == "" {
		e.failRun(ctx, run, &RunError{
			Code:    RunErrorCodeDefinition,
			Message: "escalation state is inconsistent",
		})
		return stepEndedRun
	}

	approval := e.awaitApprovalResolution(ctx, approvalID, sub)
	if approval == nil {
		return stepPausedRun
	}

	switch approval.Status {
	case ApprovalStatusApproved, ApprovalStatusModified:
		// StepRetries is nil when the run was reloaded from Redis,
		// where an empty map round-trips as absent.
		if run.StepRetries == nil {
			run.StepRetries = make(map[string]int)
		}
		run.StepRetries[step.StepID] = 0
		e.markResumed(ctx, run)

		var extra []string
		if approval.Status == ApprovalStatusModified {
			if id := e.latestDirectionArtifact(ctx, run.ProjectID); id != "" {
				extra = []string{id}
			}
		}
		task, outcome := e.submitStepTask(ctx, run, step, extra)
		if task == nil {
			return outcome
		}
		return stepAdvanced

	case ApprovalStatusRejected:
		if step.Optional {
			e.markResumed(ctx, run)
			return e.advancePast(ctx, run, step, approval.TaskID, true)
		}
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeUserAborted,
			Message: "aborted by human reviewer",
		})
		return stepEndedRun

	default: // expired
		e.failRun(ctx, run, &RunError{
			StepID: step.StepID, Code: RunErrorCodeStepFailed,
			Message: "escalation approval expired without a decision",
		})
		return stepEndedRun
	}
}

// awaitApprovalResolution blocks until the approval leaves pending.
func (e *Engine) awaitApprovalResolution(ctx context.Context, approvalID string, sub *Subscription) *HITLApproval {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Kind != EventHITLResponded && event.Kind != EventHITLExpired {
				continue
			}
			if id, _ := event.Payload["approval_id"].(string); id != approvalID {
				continue
			}
			if approval, err := e.gate.GetApproval(ctx, approvalID); err == nil {
				return approval
			}
		case <-ticker.C:
			approval, err := e.gate.GetApproval(ctx, approvalID)
			if err != nil {
				continue
			}
			if approval.Status.IsTerminal() {
				return approval
			}
		}
	}
}

// latestDirectionArtifact returns the newest user_direction artifact
// for the project, if any.
func (e *Engine) latestDirectionArtifact(ctx context.Context, projectID string) string {
	artifacts, err := e.artifacts.Query(ctx, projectID, ArtifactFilter{ArtifactType: "user_direction"})
	if err != nil || len(artifacts) == 0 {
		return ""
	}
	return artifacts[len(artifacts)-1].ID
}

// driveGroup submits all consecutive steps sharing the current step's
// parallel_group concurrently and joins on their terminal statuses.
// A non-optional member failure fails the run.
func (e *Engine) driveGroup(ctx context.Context, run *WorkflowRun,
	def *WorkflowDefinition, sub *Subscription) stepOutcome {

	first := def.Step(run.CurrentStepIndex)
	groupID := first.ParallelGroup
	var members []*WorkflowStep
	for i := run.CurrentStepIndex; i < len(def.Steps); i++ {
		step := def.Step(i)
		if step.ParallelGroup != groupID {
			break
		}
		members = append(members, step)
	}

	project, err := e.projects.Get(ctx, run.ProjectID)
	if err != nil {
		e.failRun(ctx, run, &RunError{
			StepID: first.StepID, Code: RunErrorCodeStepFailed,
			Message: "project record unavailable: " + err.Error(),
		})
		return stepEndedRun
	}

	type memberResult struct {
		step    *WorkflowStep
		task    *core.Task
		skipped bool
	}
	results := make([]memberResult, len(members))

	g, groupCtx := errgroup.WithContext(ctx)
	for i, step := range members {
		i, step := i, step
		g.Go(func() error {
			pass, err := e.evalStepCondition(groupCtx, run, project, step)
			if err != nil {
				return fmt.Errorf("step %s: %w", step.StepID, err)
			}
			if !pass {
				if step.Optional {
					results[i] = memberResult{step: step, skipped: true}
					return nil
				}
				return fmt.Errorf("step %s: required condition is false", step.StepID)
			}

			task, err := e.runGroupMember(groupCtx, run, step)
			if err != nil {
				if step.Optional {
					results[i] = memberResult{step: step, task: task, skipped: true}
					return nil
				}
				return fmt.Errorf("step %s: %w", step.StepID, err)
			}
			results[i] = memberResult{step: step, task: task}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.failRun(ctx, run, &RunError{
			StepID: first.StepID, Code: RunErrorCodeStepFailed,
			Message: fmt.Sprintf("parallel group %s: %v", groupID, err),
		})
		return stepEndedRun
	}

	// Commit the whole group: merge every output, then advance the
	// index past all members in one run update.
	for _, result := range results {
		if result.task != nil && result.task.Status == core.TaskStatusCompleted {
			if err := e.mergeOutputs(ctx, run, result.task); err != nil {
				e.failRun(ctx, run, &RunError{
					StepID: result.step.StepID, Code: RunErrorCodeStepFailed,
					Message: "failed to merge group outputs: " + err.Error(),
				})
				return stepEndedRun
			}
		}
	}
	run.CurrentStepIndex += len(members)
	if err := e.runs.Update(ctx, run); err != nil {
		return stepPausedRun
	}
	for _, result := range results {
		payload := map[string]interface{}{
			"run_id":  run.ID,
			"step_id": result.step.StepID,
			"skipped": result.skipped,
		}
		if result.task != nil {
			payload["task_id"] = result.task.ID
		}
		e.publish(ctx, run.ProjectID, EventWorkflowStepCompleted, payload)
	}
	return stepAdvanced
}

// runGroupMember submits one group member's task, retrying once at the
// workflow level, and polls to its terminal status.
func (e *Engine) runGroupMember(ctx context.Context, run *WorkflowRun, step *WorkflowStep) (*core.Task, error) {
	var task *core.Task
	for attempt := 0; attempt <= e.retryLimit; attempt++ {
		contextIDs, missing, err := e.resolveRequires(ctx, run, step)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("required artifact types not present: %v", missing)
		}

		task = core.NewTask(uuid.New().String(), run.ProjectID, step.AgentType, step.Instructions)
		task.WorkflowRunID = run.ID
		task.StepID = step.StepID
		task.ContextIDs = contextIDs
		if step.RequireApproval {
			task.Options.RequireApproval = true
			task.Options.ApprovalKind = string(ApprovalKindPreExecution)
		}

		e.publish(ctx, run.ProjectID, EventWorkflowStepStarted, map[string]interface{}{
			"run_id":  run.ID,
			"step_id": step.StepID,
			"task_id": task.ID,
		})
		if _, err := e.scheduler.Submit(ctx, task); err != nil {
			return nil, err
		}

		for {
			select {
			case <-ctx.Done():
				return task, ctx.Err()
			case <-time.After(taskPollInterval):
			}
			current, err := e.tasks.Get(ctx, task.ID)
			if err != nil {
				continue
			}
			if current.Status.IsTerminal() {
				task = current
				break
			}
			continue
		}

		switch task.Status {
		case core.TaskStatusCompleted:
			return task, nil
		case core.TaskStatusCancelled:
			return task, fmt.Errorf("task %s cancelled", task.ID)
		}
		// failed; loop for the workflow-level retry
	}
	return task, fmt.Errorf("task %s failed after retries", task.ID)
}

// evalStepCondition builds the condition environment from the run's
// context snapshot and evaluates the step condition.
func (e *Engine) evalStepCondition(ctx context.Context, run *WorkflowRun,
	project *core.Project, step *WorkflowStep) (bool, error) {

	if step.Condition == "" {
		return true, nil
	}

	env := &ConditionEnv{
		Phase:     project.CurrentPhase,
		Artifacts: make(map[string]*ContextArtifact, len(run.ContextSnapshot)),
	}
	for artifactType, id := range run.ContextSnapshot {
		artifact, err := e.artifacts.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return false, err
		}
		env.Artifacts[artifactType] = artifact
	}
	return EvalCondition(step.Condition, env)
}

// resolveRequires maps the step's required artifact types to concrete
// ids: the snapshot first, then the latest store artifact of the type.
func (e *Engine) resolveRequires(ctx context.Context, run *WorkflowRun,
	step *WorkflowStep) (ids []string, missing []string, err error) {

	for _, artifactType := range step.Requires {
		if id, ok := run.ContextSnapshot[artifactType]; ok {
			ids = append(ids, id)
			continue
		}
		artifacts, err := e.artifacts.Query(ctx, run.ProjectID, ArtifactFilter{ArtifactType: artifactType})
		if err != nil {
			return nil, nil, err
		}
		if len(artifacts) == 0 {
			missing = append(missing, artifactType)
			continue
		}
		ids = append(ids, artifacts[len(artifacts)-1].ID)
	}
	return ids, missing, nil
}

// mergeOutputs records a completed task's artifacts in the run's
// context snapshot, keyed by artifact type (latest wins).
func (e *Engine) mergeOutputs(ctx context.Context, run *WorkflowRun, task *core.Task) error {
	if len(task.OutputIDs) == 0 {
		return nil
	}
	outputs, err := e.artifacts.GetMany(ctx, task.OutputIDs)
	if err != nil {
		return err
	}
	if run.ContextSnapshot == nil {
		run.ContextSnapshot = make(map[string]string)
	}
	for _, artifact := range outputs {
		run.ContextSnapshot[artifact.ArtifactType] = artifact.ID
	}
	return nil
}

// advancePast commits a completed (or skipped) step: persists the
// snapshot, bumps the index, and emits workflow.step_completed.
func (e *Engine) advancePast(ctx context.Context, run *WorkflowRun,
	step *WorkflowStep, taskID string, skipped bool) stepOutcome {

	run.CurrentStepIndex++
	if run.Status == RunStatusPaused {
		run.Status = RunStatusRunning
		run.PauseReason = ""
		run.PendingApprovalID = ""
	}
	if err := e.runs.Update(ctx, run); err != nil {
		if e.logger != nil {
			e.logger.Error("Failed to commit step advance", map[string]interface{}{
				"operation": "engine.advancePast",
				"run_id":    run.ID,
				"step_id":   step.StepID,
				"error":     err.Error(),
			})
		}
		return stepPausedRun
	}

	payload := map[string]interface{}{
		"run_id":     run.ID,
		"step_id":    step.StepID,
		"skipped":    skipped,
		"step_index": run.CurrentStepIndex,
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	e.publish(ctx, run.ProjectID, EventWorkflowStepCompleted, payload)
	telemetry.Counter("engine.steps.completed", "skipped", fmt.Sprintf("%t", skipped))
	return stepAdvanced
}

// pauseRun persists the paused status. emitEvent controls whether
// workflow.paused is published; gate waits pause silently and announce
// themselves through hitl.requested instead.
func (e *Engine) pauseRun(ctx context.Context, run *WorkflowRun, approvalID, reason string, emitEvent bool) {
	run.Status = RunStatusPaused
	run.PendingApprovalID = approvalID
	run.PauseReason = reason
	if err := e.runs.Update(ctx, run); err != nil && e.logger != nil {
		e.logger.Error("Failed to persist run pause", map[string]interface{}{
			"operation": "engine.pauseRun",
			"run_id":    run.ID,
			"error":     err.Error(),
		})
	}
	if emitEvent {
		e.publish(ctx, run.ProjectID, EventWorkflowPaused, map[string]interface{}{
			"run_id": run.ID,
			"reason": reason,
		})
	}
	telemetry.Counter("engine.runs.paused", "reason", reason)
}

// markResumed returns a paused run to running and emits
// workflow.resumed.
func (e *Engine) markResumed(ctx context.Context, run *WorkflowRun) {
	if run.Status != RunStatusPaused {
		return
	}
	run.Status = RunStatusRunning
	run.PauseReason = ""
	run.PendingApprovalID = ""
	if err := e.runs.Update(ctx, run); err != nil && e.logger != nil {
		e.logger.Error("Failed to persist run resume", map[string]interface{}{
			"operation": "engine.markResumed",
			"run_id":    run.ID,
			"error":     err.Error(),
		})
	}
	e.publish(ctx, run.ProjectID, EventWorkflowResumed, map[string]interface{}{
		"run_id": run.ID,
	})
}

// completeRun finishes the run; the project mirrors the terminal
// status.
func (e *Engine) completeRun(ctx context.Context, run *WorkflowRun) {
	run.Status = RunStatusCompleted
	if err := e.runs.Update(ctx, run); err != nil && e.logger != nil {
		e.logger.Error("Failed to persist run completion", map[string]interface{}{
			"operation": "engine.completeRun",
			"run_id":    run.ID,
			"error":     err.Error(),
		})
	}
	e.setProjectStatus(ctx, run.ProjectID, core.ProjectStatusCompleted)
	e.publish(ctx, run.ProjectID, EventWorkflowCompleted, map[string]interface{}{
		"run_id": run.ID,
	})
	telemetry.Counter("engine.workflows.completed")
	if e.logger != nil {
		e.logger.InfoWithContext(ctx, "Workflow completed", map[string]interface{}{
			"operation":  "engine.completeRun",
			"run_id":     run.ID,
			"project_id": run.ProjectID,
		})
	}
}

// failRun terminates the run with a structured error; the project
// mirrors the terminal status.
func (e *Engine) failRun(ctx context.Context, run *WorkflowRun, runErr *RunError) {
	run.Status = RunStatusFailed
	run.Error = runErr
	if err := e.runs.Update(ctx, run); err != nil && e.logger != nil {
		e.logger.Error("Failed to persist run failure", map[string]interface{}{
			"operation": "engine.failRun",
			"run_id":    run.ID,
			"error":     err.Error(),
		})
	}
	e.setProjectStatus(ctx, run.ProjectID, core.ProjectStatusFailed)
	e.publish(ctx, run.ProjectID, EventWorkflowFailed, map[string]interface{}{
		"run_id":  run.ID,
		"step_id": runErr.StepID,
		"code":    runErr.Code,
		"message": runErr.Message,
	})
	telemetry.Counter("engine.workflows.failed", "code", runErr.Code)
	if e.logger != nil {
		e.logger.ErrorWithContext(ctx, "Workflow failed", map[string]interface{}{
			"operation":  "engine.failRun",
			"run_id":     run.ID,
			"project_id": run.ProjectID,
			"step_id":    runErr.StepID,
			"code":       runErr.Code,
			"message":    runErr.Message,
		})
	}
}

func (e *Engine) setProjectStatus(ctx context.Context, projectID string, status core.ProjectStatus) {
	project, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return
	}
	project.Status = status
	project.UpdatedAt = time.Now()
	if err := e.projects.Update(ctx, project); err != nil && e.logger != nil {
		e.logger.Error("Failed to update project status", map[string]interface{}{
			"operation":  "engine.setProjectStatus",
			"project_id": projectID,
			"status":     string(status),
			"error":      err.Error(),
		})
	}
}

func (e *Engine) publish(ctx context.Context, projectID string, kind EventKind, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, NewEvent(projectID, kind, payload)); err != nil && e.logger != nil {
		e.logger.Error("Failed to publish event", map[string]interface{}{
			"operation":  "engine.publish",
			"kind":       string(kind),
			"project_id": projectID,
			"error":      err.Error(),
		})
	}
}

func isHalted(err error) bool {
	return errors.Is(err, core.ErrHalted)
}
