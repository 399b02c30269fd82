// Package orchestration provides the task scheduler.
//
// The scheduler executes agent tasks off the request path: a pool of
// workers consumes the durable queue, consults the HITL gate before an
// attempt starts, runs the agent executor with retries and timeouts,
// and writes outputs back to the context store. Every lifecycle change
// is published on the event fabric.
//
// Retry policy: transient failures back off 1s, 2s, 4s and then give
// up, so a task sees at most four attempts. Non-transient failures
// (validation, policy denial, cancellation) are terminal on first
// occurrence. Each attempt has a soft deadline; a timed-out attempt
// counts as transient.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/telemetry"
)

const (
	// dequeueTimeout bounds each BRPOP so workers notice shutdown.
	dequeueTimeout = 2 * time.Second

	// heartbeatInterval is how often a working attempt refreshes its
	// liveness record. Must stay well below the orphan threshold.
	heartbeatInterval = 30 * time.Second

	// submitRetryDelay paces the blocking wait on a full queue.
	submitRetryDelay = 100 * time.Millisecond
)

// DefaultMaxAttempts is the attempt ceiling: one initial attempt plus
// the 1s, 2s, 4s retry ladder.
const DefaultMaxAttempts = 4

// inflightAttempt tracks a working attempt so Cancel can reach it.
type inflightAttempt struct {
	cancel      context.CancelFunc
	cancelledBy atomic.Value // string
}

// Scheduler is the asynchronous task execution engine.
type Scheduler struct {
	queue     core.TaskQueue
	tasks     core.TaskStore
	projects  core.ProjectStore
	artifacts ContextStore
	registry  *ExecutorRegistry
	gate      *Gate
	bus       EventBus
	config    core.SchedulerConfig
	logger    core.Logger

	started  atomic.Bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*inflightAttempt

	maxAttempts int
	heartbeat   time.Duration
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger for scheduler operations.
func WithSchedulerLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/scheduler")
		} else {
			s.logger = logger
		}
	}
}

// WithMaxAttempts overrides the default attempt ceiling.
func WithMaxAttempts(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithHeartbeatInterval overrides the liveness refresh interval. Must
// stay well below the orphan threshold.
func WithHeartbeatInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewScheduler creates the scheduler. Zero-value config fields are
// backfilled from defaults.
func NewScheduler(queue core.TaskQueue, tasks core.TaskStore, projects core.ProjectStore,
	artifacts ContextStore, registry *ExecutorRegistry, gate *Gate, bus EventBus,
	config core.SchedulerConfig, opts ...SchedulerOption) *Scheduler {

	def := core.DefaultConfig().Scheduler
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if config.CancelGrace <= 0 {
		config.CancelGrace = def.CancelGrace
	}
	if config.OrphanThreshold <= 0 {
		config.OrphanThreshold = def.OrphanThreshold
	}
	if config.QueueHighWater <= 0 {
		config.QueueHighWater = def.QueueHighWater
	}

	s := &Scheduler{
		queue:       queue,
		tasks:       tasks,
		projects:    projects,
		artifacts:   artifacts,
		registry:    registry,
		gate:        gate,
		bus:         bus,
		config:      config,
		inflight:    make(map[string]*inflightAttempt),
		maxAttempts: DefaultMaxAttempts,
		heartbeat:   heartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ TaskCanceller = (*Scheduler)(nil)

// Submit validates and enqueues a task, returning its id.
//
// Constraints: the project must exist and be non-terminal, the agent
// type must be registered, and no active emergency stop may cover the
// project (core.ErrHalted). When the queue is above its high-water
// mark, Submit blocks until there is room, or fails fast with
// core.ErrQueueFull when the task opts in.
func (s *Scheduler) Submit(ctx context.Context, task *core.Task) (string, error) {
	if task == nil || task.AgentType == "" || task.ProjectID == "" {
		return "", fmt.Errorf("task requires project_id and agent_type: %w", core.ErrInvalidTask)
	}
	if !s.registry.Known(task.AgentType) {
		return "", fmt.Errorf("agent type %q: %w", task.AgentType, core.ErrUnknownAgentType)
	}

	project, err := s.projects.Get(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}
	if project.Status.IsTerminal() {
		return "", fmt.Errorf("project %s is %s: %w", project.ID, project.Status, core.ErrProjectTerminal)
	}

	stop, err := s.gate.store.ActiveStopFor(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}
	if stop != nil {
		return "", fmt.Errorf("project %s halted (%s): %w", task.ProjectID, stop.Reason, core.ErrHalted)
	}

	// Input artifacts must exist and belong to the same project
	if len(task.ContextIDs) > 0 {
		inputs, err := s.artifacts.GetMany(ctx, task.ContextIDs)
		if err != nil {
			return "", err
		}
		if len(inputs) != len(task.ContextIDs) {
			return "", fmt.Errorf("task references unknown artifacts: %w", core.ErrArtifactNotFound)
		}
		for _, a := range inputs {
			if a.ProjectID != task.ProjectID {
				return "", fmt.Errorf("artifact %s belongs to another project: %w", a.ID, core.ErrInvalidTask)
			}
		}
	}

	if err := s.waitForQueueRoom(ctx, task); err != nil {
		return "", err
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = core.TaskStatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if traceID, spanID := telemetry.TraceIDs(ctx); traceID != "" {
		task.SetTraceContext(traceID, spanID)
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}

	s.publish(ctx, task.ProjectID, EventTaskCreated, map[string]interface{}{
		"task_id":    task.ID,
		"agent_type": task.AgentType,
		"step_id":    task.StepID,
	})
	emitTaskSubmitted(task.AgentType)

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Task submitted", map[string]interface{}{
			"operation":  "scheduler.Submit",
			"task_id":    task.ID,
			"project_id": task.ProjectID,
			"agent_type": task.AgentType,
		})
	}
	return task.ID, nil
}

func (s *Scheduler) waitForQueueRoom(ctx context.Context, task *core.Task) error {
	for {
		depth, err := s.queue.Length(ctx)
		if err != nil {
			return err
		}
		emitQueueDepth(depth)
		if depth < int64(s.config.QueueHighWater) {
			return nil
		}
		if task.Options.FailFastOnFullQueue {
			return fmt.Errorf("queue depth %d at high-water mark: %w", depth, core.ErrQueueFull)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(submitRetryDelay):
		}
	}
}

// Cancel requests task cancellation. Pending and waiting_for_hitl
// tasks transition to cancelled immediately; working tasks receive a
// cooperative signal and must observe it within the grace period.
// Repeated cancels on a terminal task return core.ErrAlreadyTerminal.
func (s *Scheduler) Cancel(ctx context.Context, taskID, cancelledBy string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, core.ErrAlreadyTerminal)
	}
	if cancelledBy == "" {
		cancelledBy = "user"
	}

	switch task.Status {
	case core.TaskStatusPending, core.TaskStatusWaitingForHITL:
		task.Status = core.TaskStatusCancelled
		task.Error = &core.TaskError{
			Code:    core.TaskErrorCodeCancelled,
			Message: "task cancelled before execution",
			Details: "cancelled_by=" + cancelledBy,
		}
		now := time.Now()
		task.CompletedAt = &now
		if err := s.tasks.Update(ctx, task); err != nil {
			return err
		}
		s.publish(ctx, task.ProjectID, EventTaskCancelled, map[string]interface{}{
			"task_id":      task.ID,
			"cancelled_by": cancelledBy,
		})
		emitTaskCancelled(task.AgentType, cancelledBy)
		return nil

	case core.TaskStatusWorking:
		s.mu.Lock()
		attempt, ok := s.inflight[taskID]
		s.mu.Unlock()
		if ok {
			attempt.cancelledBy.Store(cancelledBy)
			attempt.cancel()
			return nil
		}
		// Working but not in-flight here: the owning worker died.
		// Leave it for orphan recovery rather than fighting over state.
		if s.logger != nil {
			s.logger.Warn("Cancel requested for orphaned working task", map[string]interface{}{
				"operation": "scheduler.Cancel",
				"task_id":   taskID,
			})
		}
		return nil
	}
	return nil
}

// OnEvent subscribes a handler to all task lifecycle events.
func (s *Scheduler) OnEvent(handler EventHandler) (*Subscription, error) {
	return s.bus.SubscribeFunc("", func(event *Event) {
		switch event.Kind {
		case EventTaskCreated, EventTaskStarted, EventTaskProgress,
			EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
			handler(event)
		}
	})
}

// Start launches the worker pool and the orphan recovery scan.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.RecoverOrphans(runCtx); err != nil && s.logger != nil {
		s.logger.Error("Orphan recovery scan failed", map[string]interface{}{
			"operation": "scheduler.Start",
			"error":     err.Error(),
		})
	}

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(runCtx, i)
	}

	if s.logger != nil {
		s.logger.Info("Scheduler started", map[string]interface{}{
			"operation":    "scheduler.Start",
			"worker_count": s.config.WorkerCount,
			"max_attempts": s.maxAttempts,
		})
	}
	return nil
}

// Stop shuts the pool down, waiting for in-flight attempts to finish.
func (s *Scheduler) Stop() {
	if !s.started.Load() || !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.wg.Wait()
	if s.logger != nil {
		s.logger.Info("Scheduler stopped", map[string]interface{}{
			"operation": "scheduler.Stop",
		})
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := s.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.Error("Dequeue failed", map[string]interface{}{
					"operation": "scheduler.workerLoop",
					"worker_id": workerID,
					"error":     err.Error(),
				})
			}
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		s.processTask(ctx, task)
	}
}

// processTask drives one dequeued task through gate consult, attempts,
// and terminal transition. Panics are recovered so one bad executor
// cannot take a worker down.
func (s *Scheduler) processTask(ctx context.Context, task *core.Task) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Error("Worker panic while processing task", map[string]interface{}{
					"operation": "scheduler.processTask",
					"task_id":   task.ID,
					"panic":     fmt.Sprintf("%v", r),
					"stack":     string(debug.Stack()),
				})
			}
			s.failTask(ctx, task, &core.TaskError{
				Code:    core.TaskErrorCodePanic,
				Message: "executor panicked",
				Details: fmt.Sprintf("%v", r),
			})
		}
	}()

	// Re-read state: the task may have been cancelled while queued
	current, err := s.tasks.Get(ctx, task.ID)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("Dequeued task has no record", map[string]interface{}{
				"operation": "scheduler.processTask",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
		return
	}
	if current.Status != core.TaskStatusPending {
		return
	}
	task = current

	spanCtx, endSpan := telemetry.StartLinkedSpan(ctx, "task.process",
		task.TraceID, task.ParentSpanID, map[string]string{
			"task.id":         task.ID,
			"task.agent_type": task.AgentType,
			"project.id":      task.ProjectID,
		})
	defer endSpan()

	if !s.consultGate(spanCtx, task) {
		return
	}
	s.runAttempts(spanCtx, task)
}

// consultGate evaluates the HITL gate. Returns true when the task may
// proceed to execution.
func (s *Scheduler) consultGate(ctx context.Context, task *core.Task) bool {
	phase := ""
	if project, err := s.projects.Get(ctx, task.ProjectID); err == nil {
		phase = project.CurrentPhase
	}

	decision, err := s.gate.Evaluate(ctx, task, EvaluationContext{
		Phase:           phase,
		RequireApproval: task.Options.RequireApproval,
		ApprovalKind:    ApprovalKind(task.Options.ApprovalKind),
	})
	if err != nil {
		s.failTask(ctx, task, &core.TaskError{
			Code:    core.TaskErrorCodeExecutorError,
			Message: "gate evaluation failed",
			Details: err.Error(),
		})
		return false
	}

	switch decision.Outcome {
	case GateHalt:
		task.Status = core.TaskStatusCancelled
		task.Error = &core.TaskError{
			Code:    core.TaskErrorCodeCancelled,
			Message: "project halted by emergency stop",
			Details: decision.Reason,
		}
		now := time.Now()
		task.CompletedAt = &now
		if err := s.tasks.Update(ctx, task); err != nil && s.logger != nil {
			s.logger.Error("Failed to cancel halted task", map[string]interface{}{
				"operation": "scheduler.consultGate",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
		s.publish(ctx, task.ProjectID, EventTaskCancelled, map[string]interface{}{
			"task_id":      task.ID,
			"cancelled_by": "system",
			"reason":       "emergency_stop",
		})
		emitTaskCancelled(task.AgentType, "system")
		return false

	case GateNeedsApproval:
		if _, err := s.gate.CreateApproval(ctx, task, decision.Kind, decision.Payload); err != nil {
			// A pending approval already exists; the task stays parked
			if errors.Is(err, ErrPendingApprovalExists) {
				return false
			}
			s.failTask(ctx, task, &core.TaskError{
				Code:    core.TaskErrorCodeExecutorError,
				Message: "failed to create approval",
				Details: err.Error(),
			})
		}
		return false
	}
	return true
}

// runAttempts executes the retry ladder for a task.
func (s *Scheduler) runAttempts(ctx context.Context, task *core.Task) {
	now := time.Now()
	task.Status = core.TaskStatusWorking
	task.StartedAt = &now
	task.HeartbeatAt = &now
	if err := s.tasks.Update(ctx, task); err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to mark task working", map[string]interface{}{
				"operation": "scheduler.runAttempts",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
		return
	}
	s.publish(ctx, task.ProjectID, EventTaskStarted, map[string]interface{}{
		"task_id":    task.ID,
		"agent_type": task.AgentType,
	})

	attempt := &inflightAttempt{}
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	attempt.cancel = cancelAttempt
	defer cancelAttempt()

	s.mu.Lock()
	s.inflight[task.ID] = attempt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, task.ID)
		s.mu.Unlock()
	}()

	stopHeartbeat := s.startHeartbeat(ctx, task)
	defer stopHeartbeat()

	for task.AttemptCount < s.maxAttempts {
		task.AttemptCount++
		emitTaskStarted(task.AgentType, task.AttemptCount)
		if err := s.tasks.Update(ctx, task); err != nil && s.logger != nil {
			s.logger.Warn("Failed to persist attempt count", map[string]interface{}{
				"operation": "scheduler.runAttempts",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
		if task.AttemptCount > 1 {
			s.publish(ctx, task.ProjectID, EventTaskProgress, map[string]interface{}{
				"task_id": task.ID,
				"attempt": task.AttemptCount,
			})
		}

		outputs, err := s.executeAttempt(attemptCtx, task)
		if err == nil {
			s.completeTask(ctx, task, outputs)
			return
		}

		// Cooperative cancellation observed
		if attemptCtx.Err() != nil {
			cancelledBy, _ := attempt.cancelledBy.Load().(string)
			if cancelledBy == "" {
				cancelledBy = "system"
			}
			s.cancelWorkingTask(ctx, task, cancelledBy)
			return
		}

		if !isTransientTaskError(err) {
			s.failTask(ctx, task, taskErrorFrom(err))
			return
		}

		s.publish(ctx, task.ProjectID, EventTaskProgress, map[string]interface{}{
			"task_id": task.ID,
			"attempt": task.AttemptCount,
			"error":   err.Error(),
		})
		if s.logger != nil {
			s.logger.WarnWithContext(ctx, "Attempt failed, will retry", map[string]interface{}{
				"operation": "scheduler.runAttempts",
				"task_id":   task.ID,
				"attempt":   task.AttemptCount,
				"error":     err.Error(),
			})
		}

		if task.AttemptCount >= s.maxAttempts {
			break
		}
		backoff := time.Duration(1<<(task.AttemptCount-1)) * time.Second
		select {
		case <-time.After(backoff):
		case <-attemptCtx.Done():
			cancelledBy, _ := attempt.cancelledBy.Load().(string)
			if cancelledBy == "" {
				cancelledBy = "system"
			}
			s.cancelWorkingTask(ctx, task, cancelledBy)
			return
		}
	}

	s.failTask(ctx, task, &core.TaskError{
		Code:    core.TaskErrorCodeExecutorError,
		Message: "retry ceiling exhausted",
		Details: fmt.Sprintf("attempts=%d", task.AttemptCount),
	})
}

// executeAttempt runs one executor invocation with the attempt timeout
// and the cancellation grace period.
func (s *Scheduler) executeAttempt(ctx context.Context, task *core.Task) ([]*ContextArtifact, error) {
	timeout := task.Options.Timeout
	if timeout <= 0 {
		timeout = s.config.AttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inputs, err := s.artifacts.GetMany(attemptCtx, task.ContextIDs)
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(task.ContextIDs) {
		return nil, fmt.Errorf("missing %d input artifacts: %w",
			len(task.ContextIDs)-len(inputs), core.ErrArtifactNotFound)
	}

	type result struct {
		outputs []*ContextArtifact
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outputs, err := s.registry.Execute(attemptCtx, task.AgentType, task.Instructions, inputs)
		done <- result{outputs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("attempt exceeded %s: %w", timeout, core.ErrTimeout)
		}
		return r.outputs, r.err
	case <-ctx.Done():
		// Cancelled: give the executor the grace period to return
		select {
		case r := <-done:
			return r.outputs, r.err
		case <-time.After(s.config.CancelGrace):
			return nil, fmt.Errorf("executor ignored cancellation for %s: %w",
				s.config.CancelGrace, core.ErrTimeout)
		}
	}
}

func (s *Scheduler) completeTask(ctx context.Context, task *core.Task, outputs []*ContextArtifact) {
	outputIDs := make([]string, 0, len(outputs))
	for _, artifact := range outputs {
		artifact.ProjectID = task.ProjectID
		if artifact.SourceAgent == "" {
			artifact.SourceAgent = task.AgentType
		}
		id, err := s.artifacts.Put(ctx, artifact)
		if err != nil {
			s.failTask(ctx, task, &core.TaskError{
				Code:    core.TaskErrorCodeExecutorError,
				Message: "failed to persist output artifact",
				Details: err.Error(),
			})
			return
		}
		outputIDs = append(outputIDs, id)
		s.publish(ctx, task.ProjectID, EventArtifactCreated, map[string]interface{}{
			"artifact_id":   id,
			"artifact_type": artifact.ArtifactType,
			"task_id":       task.ID,
			"source_agent":  artifact.SourceAgent,
		})
	}

	task.OutputIDs = outputIDs
	task.Status = core.TaskStatusCompleted
	now := time.Now()
	task.CompletedAt = &now
	if err := s.tasks.Update(ctx, task); err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to persist completed task", map[string]interface{}{
				"operation": "scheduler.completeTask",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
		return
	}

	s.publish(ctx, task.ProjectID, EventTaskCompleted, map[string]interface{}{
		"task_id":    task.ID,
		"agent_type": task.AgentType,
		"step_id":    task.StepID,
		"output_ids": outputIDs,
		"attempts":   task.AttemptCount,
	})
	if task.StartedAt != nil {
		emitTaskCompleted(task.AgentType, *task.StartedAt)
	}
	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Task completed", map[string]interface{}{
			"operation":  "scheduler.completeTask",
			"task_id":    task.ID,
			"project_id": task.ProjectID,
			"attempts":   task.AttemptCount,
			"outputs":    len(outputIDs),
		})
	}
}

func (s *Scheduler) failTask(ctx context.Context, task *core.Task, taskErr *core.TaskError) {
	current, err := s.tasks.Get(ctx, task.ID)
	if err == nil {
		task = current
	}
	if task.Status.IsTerminal() {
		return
	}

	task.Status = core.TaskStatusFailed
	task.Error = taskErr
	now := time.Now()
	task.CompletedAt = &now
	if err := s.tasks.Update(ctx, task); err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to persist failed task", map[string]interface{}{
				"operation": "scheduler.failTask",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
		return
	}

	s.publish(ctx, task.ProjectID, EventTaskFailed, map[string]interface{}{
		"task_id":    task.ID,
		"agent_type": task.AgentType,
		"step_id":    task.StepID,
		"code":       taskErr.Code,
		"message":    taskErr.Message,
		"attempts":   task.AttemptCount,
	})
	emitTaskFailed(task.AgentType, taskErr.Code)
	if s.logger != nil {
		s.logger.ErrorWithContext(ctx, "Task failed", map[string]interface{}{
			"operation":  "scheduler.failTask",
			"task_id":    task.ID,
			"project_id": task.ProjectID,
			"code":       taskErr.Code,
			"message":    taskErr.Message,
		})
	}
}

func (s *Scheduler) cancelWorkingTask(ctx context.Context, task *core.Task, cancelledBy string) {
	task.Status = core.TaskStatusCancelled
	task.Error = &core.TaskError{
		Code:    core.TaskErrorCodeCancelled,
		Message: "task cancelled during execution",
		Details: "cancelled_by=" + cancelledBy,
	}
	now := time.Now()
	task.CompletedAt = &now
	if err := s.tasks.Update(ctx, task); err != nil && s.logger != nil {
		s.logger.Error("Failed to persist cancelled task", map[string]interface{}{
			"operation": "scheduler.cancelWorkingTask",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
	}
	s.publish(ctx, task.ProjectID, EventTaskCancelled, map[string]interface{}{
		"task_id":      task.ID,
		"cancelled_by": cancelledBy,
	})
	emitTaskCancelled(task.AgentType, cancelledBy)
}

// startHeartbeat refreshes the task's liveness record and publishes
// task.progress on each tick until the returned stop function is
// called, so stream consumers can tell a long attempt from a stall.
func (s *Scheduler) startHeartbeat(ctx context.Context, task *core.Task) func() {
	stopped := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := s.tasks.Get(ctx, task.ID)
				if err != nil || current.Status != core.TaskStatusWorking {
					continue
				}
				now := time.Now()
				current.HeartbeatAt = &now
				if err := s.tasks.Update(ctx, current); err != nil && s.logger != nil {
					s.logger.Warn("Heartbeat update failed", map[string]interface{}{
						"operation": "scheduler.startHeartbeat",
						"task_id":   task.ID,
						"error":     err.Error(),
					})
					continue
				}
				s.publish(ctx, current.ProjectID, EventTaskProgress, map[string]interface{}{
					"task_id": current.ID,
					"attempt": current.AttemptCount,
				})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stopped) }) }
}

// RecoverOrphans scans for working tasks whose heartbeat is older than
// the orphan threshold. Tasks with remaining attempts are re-enqueued;
// exhausted ones fail with reason orphaned.
func (s *Scheduler) RecoverOrphans(ctx context.Context) error {
	working, err := s.tasks.ListByStatus(ctx, core.TaskStatusWorking)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-s.config.OrphanThreshold)
	for _, task := range working {
		last := task.StartedAt
		if task.HeartbeatAt != nil {
			last = task.HeartbeatAt
		}
		if last != nil && last.After(cutoff) {
			continue
		}
		s.mu.Lock()
		_, inflight := s.inflight[task.ID]
		s.mu.Unlock()
		if inflight {
			continue
		}

		if task.AttemptCount < s.maxAttempts {
			task.Status = core.TaskStatusPending
			task.HeartbeatAt = nil
			if err := s.tasks.Update(ctx, task); err != nil {
				return err
			}
			if err := s.queue.Enqueue(ctx, task); err != nil {
				return err
			}
			s.publish(ctx, task.ProjectID, EventTaskProgress, map[string]interface{}{
				"task_id":  task.ID,
				"attempt":  task.AttemptCount,
				"recovery": "requeued",
			})
			emitOrphanRecovered(true)
			if s.logger != nil {
				s.logger.Warn("Orphaned task re-enqueued", map[string]interface{}{
					"operation": "scheduler.RecoverOrphans",
					"task_id":   task.ID,
					"attempts":  task.AttemptCount,
				})
			}
			continue
		}

		task.Status = core.TaskStatusFailed
		task.Error = &core.TaskError{
			Code:    core.TaskErrorCodeOrphaned,
			Message: "worker lost without completing the task",
		}
		now := time.Now()
		task.CompletedAt = &now
		if err := s.tasks.Update(ctx, task); err != nil {
			return err
		}
		s.publish(ctx, task.ProjectID, EventTaskFailed, map[string]interface{}{
			"task_id":  task.ID,
			"code":     core.TaskErrorCodeOrphaned,
			"attempts": task.AttemptCount,
		})
		emitOrphanRecovered(false)
	}
	return nil
}

func (s *Scheduler) publish(ctx context.Context, projectID string, kind EventKind, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, NewEvent(projectID, kind, payload)); err != nil && s.logger != nil {
		s.logger.Error("Failed to publish event", map[string]interface{}{
			"operation":  "scheduler.publish",
			"kind":       string(kind),
			"project_id": projectID,
			"error":      err.Error(),
		})
	}
}

// isTransientTaskError decides whether an attempt failure is worth a
// retry. Validation, policy, and state errors are terminal; timeouts
// and infrastructure errors retry; unknown executor errors are assumed
// transient (LLM hiccups dominate in practice).
func isTransientTaskError(err error) bool {
	if core.IsValidationError(err) || core.IsStateError(err) || core.IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// taskErrorFrom maps a Go error to the structured terminal record.
func taskErrorFrom(err error) *core.TaskError {
	switch {
	case errors.Is(err, core.ErrArtifactNotFound):
		return &core.TaskError{
			Code:    core.TaskErrorCodeMissingInput,
			Message: "required input artifact does not exist",
			Details: err.Error(),
		}
	case core.IsValidationError(err):
		return &core.TaskError{
			Code:    core.TaskErrorCodeInvalidInput,
			Message: "task input rejected",
			Details: err.Error(),
		}
	case errors.Is(err, core.ErrTimeout):
		return &core.TaskError{
			Code:    core.TaskErrorCodeTimeout,
			Message: "attempt timed out",
			Details: err.Error(),
		}
	default:
		return &core.TaskError{
			Code:    core.TaskErrorCodeExecutorError,
			Message: "executor returned an error",
			Details: err.Error(),
		}
	}
}
