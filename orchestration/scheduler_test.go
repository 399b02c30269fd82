package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ensembleworks/ensemble/core"
)

// ============================================================================
// Submit Validation
// ============================================================================

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder", ArtifactType: "code_bundle"})
	env.createProject(t, "proj-1")
	ctx := context.Background()

	t.Run("MissingFields", func(t *testing.T) {
		if _, err := env.scheduler.Submit(ctx, nil); !errors.Is(err, core.ErrInvalidTask) {
			t.Errorf("nil task: expected ErrInvalidTask, got %v", err)
		}
		if _, err := env.scheduler.Submit(ctx, &core.Task{ProjectID: "proj-1"}); !errors.Is(err, core.ErrInvalidTask) {
			t.Errorf("missing agent type: expected ErrInvalidTask, got %v", err)
		}
	})

	t.Run("UnknownAgentType", func(t *testing.T) {
		task := core.NewTask("", "proj-1", "astrologer", "predict the release date")
		if _, err := env.scheduler.Submit(ctx, task); !errors.Is(err, core.ErrUnknownAgentType) {
			t.Errorf("expected ErrUnknownAgentType, got %v", err)
		}
	})

	t.Run("UnknownProject", func(t *testing.T) {
		task := core.NewTask("", "proj-none", "coder", "work")
		if _, err := env.scheduler.Submit(ctx, task); !core.IsNotFound(err) {
			t.Errorf("expected a not-found error, got %v", err)
		}
	})

	t.Run("TerminalProject", func(t *testing.T) {
		project := env.createProject(t, "proj-done")
		project.Status = core.ProjectStatusCompleted
		if err := env.projects.Update(ctx, project); err != nil {
			t.Fatalf("failed to complete project: %v", err)
		}
		task := core.NewTask("", "proj-done", "coder", "work")
		if _, err := env.scheduler.Submit(ctx, task); !errors.Is(err, core.ErrProjectTerminal) {
			t.Errorf("expected ErrProjectTerminal, got %v", err)
		}
	})

	t.Run("UnknownInputArtifact", func(t *testing.T) {
		task := core.NewTask("", "proj-1", "coder", "work")
		task.ContextIDs = []string{"missing"}
		if _, err := env.scheduler.Submit(ctx, task); !errors.Is(err, core.ErrArtifactNotFound) {
			t.Errorf("expected ErrArtifactNotFound, got %v", err)
		}
	})

	t.Run("CrossProjectArtifact", func(t *testing.T) {
		env.createProject(t, "proj-2")
		foreign := env.putArtifact(t, "proj-2", "architecture", map[string]string{"stack": "go"})
		task := core.NewTask("", "proj-1", "coder", "work")
		task.ContextIDs = []string{foreign}
		if _, err := env.scheduler.Submit(ctx, task); !errors.Is(err, core.ErrInvalidTask) {
			t.Errorf("expected ErrInvalidTask, got %v", err)
		}
	})
}

func TestSubmitRejectsHaltedProject(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder"})
	env.createProject(t, "proj-1")
	ctx := context.Background()

	if _, err := env.gate.ActivateStop(ctx, "proj-1", "incident"); err != nil {
		t.Fatalf("ActivateStop failed: %v", err)
	}

	task := core.NewTask("", "proj-1", "coder", "work")
	if _, err := env.scheduler.Submit(ctx, task); !errors.Is(err, core.ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
}

func TestSubmitQueueFullFailFast(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.scheduler.QueueHighWater = 1
	env := newTestEnv(t, cfg)
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder"})
	env.createProject(t, "proj-1")
	ctx := context.Background()

	if _, err := env.scheduler.Submit(ctx, core.NewTask("", "proj-1", "coder", "first")); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	task := core.NewTask("", "proj-1", "coder", "second")
	task.Options.FailFastOnFullQueue = true
	if _, err := env.scheduler.Submit(ctx, task); !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder"})
	env.createProject(t, "proj-1")
	ctx := context.Background()

	taskID, err := env.scheduler.Submit(ctx, core.NewTask("", "proj-1", "coder", "implement"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if taskID == "" {
		t.Fatal("Submit should assign an id")
	}

	stored := env.getTask(t, taskID)
	if stored.Status != core.TaskStatusPending {
		t.Errorf("submitted task should be pending, got %s", stored.Status)
	}

	length, _ := env.queue.Length(ctx)
	if length != 1 {
		t.Errorf("expected queue depth 1, got %d", length)
	}

	if got := len(env.eventsOfKind(t, "proj-1", EventTaskCreated)); got != 1 {
		t.Errorf("expected a task.created event, got %d", got)
	}
}

// ============================================================================
// Execution
// ============================================================================

func TestSchedulerExecutesTaskToCompletion(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder", ArtifactType: "code_bundle"})
	env.createProject(t, "proj-1")
	env.startWorkers(t)
	ctx := context.Background()

	input := env.putArtifact(t, "proj-1", "architecture", map[string]string{"stack": "go"})
	task := core.NewTask("", "proj-1", "coder", "implement the design")
	task.ContextIDs = []string{input}

	taskID, err := env.scheduler.Submit(ctx, task)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusCompleted
	}, "task did not complete")

	done := env.getTask(t, taskID)
	if len(done.OutputIDs) != 1 {
		t.Fatalf("expected 1 output artifact, got %d", len(done.OutputIDs))
	}
	if done.AttemptCount != 1 {
		t.Errorf("expected a single attempt, got %d", done.AttemptCount)
	}

	output, err := env.artifacts.Get(ctx, done.OutputIDs[0])
	if err != nil {
		t.Fatalf("output artifact missing: %v", err)
	}
	if output.ProjectID != "proj-1" || output.ArtifactType != "code_bundle" || output.SourceAgent != "coder" {
		t.Errorf("unexpected output artifact: %+v", output)
	}

	if got := len(env.eventsOfKind(t, "proj-1", EventTaskCompleted)); got != 1 {
		t.Errorf("expected a task.completed event, got %d", got)
	}
	if got := len(env.eventsOfKind(t, "proj-1", EventArtifactCreated)); got != 1 {
		t.Errorf("expected an artifact.created event, got %d", got)
	}
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.maxAttempts = 2
	env := newTestEnv(t, cfg)

	var calls int64
	env.registry.Register("coder", AgentExecutorFunc(func(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, fmt.Errorf("model endpoint returned 503")
		}
		return []*ContextArtifact{{ArtifactType: "code_bundle", Content: rawContent(t, map[string]bool{"ok": true})}}, nil
	}))
	env.createProject(t, "proj-1")
	env.startWorkers(t)

	taskID, err := env.scheduler.Submit(context.Background(), core.NewTask("", "proj-1", "coder", "implement"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The retry waits out a one second backoff before the second attempt.
	waitFor(t, 10*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusCompleted
	}, "task did not recover from the transient failure")

	done := env.getTask(t, taskID)
	if done.AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", done.AttemptCount)
	}
}

func TestSchedulerDoesNotRetryValidationErrors(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.maxAttempts = 3
	env := newTestEnv(t, cfg)

	var calls int64
	env.registry.Register("coder", AgentExecutorFunc(func(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
		atomic.AddInt64(&calls, 1)
		return nil, fmt.Errorf("instructions unparsable: %w", core.ErrInvalidTask)
	}))
	env.createProject(t, "proj-1")
	env.startWorkers(t)

	taskID, err := env.scheduler.Submit(context.Background(), core.NewTask("", "proj-1", "coder", "implement"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusFailed
	}, "task did not fail")

	failed := env.getTask(t, taskID)
	if failed.Error == nil || failed.Error.Code != core.TaskErrorCodeInvalidInput {
		t.Fatalf("unexpected error: %+v", failed.Error)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("validation errors must not retry, executor ran %d times", got)
	}
}

func TestSchedulerExhaustsRetryCeiling(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.maxAttempts = 2
	env := newTestEnv(t, cfg)

	env.registry.Register("coder", AgentExecutorFunc(func(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
		return nil, fmt.Errorf("still broken")
	}))
	env.createProject(t, "proj-1")
	env.startWorkers(t)

	taskID, err := env.scheduler.Submit(context.Background(), core.NewTask("", "proj-1", "coder", "implement"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusFailed
	}, "task did not exhaust its attempts")

	failed := env.getTask(t, taskID)
	if failed.AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", failed.AttemptCount)
	}
	if failed.Error == nil || failed.Error.Code != core.TaskErrorCodeExecutorError {
		t.Errorf("unexpected error: %+v", failed.Error)
	}
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelPendingTask(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder"})
	env.createProject(t, "proj-1")
	ctx := context.Background()

	// Workers are not running; the task stays queued.
	taskID, err := env.scheduler.Submit(ctx, core.NewTask("", "proj-1", "coder", "implement"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := env.scheduler.Cancel(ctx, taskID, "user"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	cancelled := env.getTask(t, taskID)
	if cancelled.Status != core.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.Error == nil || cancelled.Error.Details != "cancelled_by=user" {
		t.Errorf("unexpected error record: %+v", cancelled.Error)
	}

	if err := env.scheduler.Cancel(ctx, taskID, "user"); !errors.Is(err, core.ErrAlreadyTerminal) {
		t.Fatalf("repeat cancel: expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCancelWorkingTask(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())

	started := make(chan struct{})
	env.registry.Register("coder", AgentExecutorFunc(func(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	env.createProject(t, "proj-1")
	env.startWorkers(t)
	ctx := context.Background()

	taskID, err := env.scheduler.Submit(ctx, core.NewTask("", "proj-1", "coder", "long work"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	if err := env.scheduler.Cancel(ctx, taskID, "user"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusCancelled
	}, "working task did not observe cancellation")

	cancelled := env.getTask(t, taskID)
	if cancelled.Error == nil || cancelled.Error.Details != "cancelled_by=user" {
		t.Errorf("unexpected error record: %+v", cancelled.Error)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	if err := env.scheduler.Cancel(context.Background(), "missing", "user"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

// ============================================================================
// Gate Integration
// ============================================================================

func TestWorkerParksTaskRequiringApproval(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder", ArtifactType: "code_bundle"})
	env.createProject(t, "proj-1")
	env.startWorkers(t)
	ctx := context.Background()

	task := core.NewTask("", "proj-1", "coder", "implement")
	task.Options.RequireApproval = true
	task.Options.ApprovalKind = string(ApprovalKindPreExecution)

	taskID, err := env.scheduler.Submit(ctx, task)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusWaitingForHITL
	}, "task was not parked on the gate")

	pending, err := env.gate.ListPending(ctx, "proj-1")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending approval: %v, %d", err, len(pending))
	}

	// Approval releases the task; the grant bypasses re-evaluation.
	if _, err := env.gate.Respond(ctx, pending[0].ID, HITLActionApprove, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusCompleted
	}, "approved task did not run")
}

// ============================================================================
// Orphan Recovery
// ============================================================================

func seedOrphanedTask(t *testing.T, env *testEnv, taskID string, attempts int) {
	t.Helper()
	ctx := context.Background()
	task := core.NewTask(taskID, "proj-1", "coder", "work")
	if err := env.tasks.Create(ctx, task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	task.Status = core.TaskStatusWorking
	task.AttemptCount = attempts
	stale := time.Now().Add(-10 * time.Minute)
	task.StartedAt = &stale
	task.HeartbeatAt = &stale
	if err := env.tasks.Update(ctx, task); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestRecoverOrphansRequeues(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.maxAttempts = 3
	env := newTestEnv(t, cfg)
	env.registry.Register("coder", &ScriptedExecutor{AgentType: "coder"})
	env.createProject(t, "proj-1")
	ctx := context.Background()

	seedOrphanedTask(t, env, "task-orphan", 1)

	if err := env.scheduler.RecoverOrphans(ctx); err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}

	recovered := env.getTask(t, "task-orphan")
	if recovered.Status != core.TaskStatusPending {
		t.Fatalf("orphan should be re-enqueued as pending, got %s", recovered.Status)
	}
	length, _ := env.queue.Length(ctx)
	if length != 1 {
		t.Errorf("orphan not back on the queue: depth %d", length)
	}
}

func TestRecoverOrphansFailsExhaustedTask(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.maxAttempts = 1
	env := newTestEnv(t, cfg)
	env.createProject(t, "proj-1")
	ctx := context.Background()

	seedOrphanedTask(t, env, "task-orphan", 1)

	if err := env.scheduler.RecoverOrphans(ctx); err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}

	failed := env.getTask(t, "task-orphan")
	if failed.Status != core.TaskStatusFailed {
		t.Fatalf("exhausted orphan should fail, got %s", failed.Status)
	}
	if failed.Error == nil || failed.Error.Code != core.TaskErrorCodeOrphaned {
		t.Errorf("unexpected error: %+v", failed.Error)
	}
}

func TestRecoverOrphansIgnoresFreshHeartbeats(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.createProject(t, "proj-1")
	ctx := context.Background()

	task := core.NewTask("task-live", "proj-1", "coder", "work")
	if err := env.tasks.Create(ctx, task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	task.Status = core.TaskStatusWorking
	now := time.Now()
	task.StartedAt = &now
	task.HeartbeatAt = &now
	if err := env.tasks.Update(ctx, task); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := env.scheduler.RecoverOrphans(ctx); err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if got := env.getTask(t, "task-live"); got.Status != core.TaskStatusWorking {
		t.Fatalf("live task must not be touched, got %s", got.Status)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSchedulerStartIsExclusive(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	env.startWorkers(t)
	if err := env.scheduler.Start(context.Background()); !errors.Is(err, core.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestHeartbeatPublishesProgress(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.heartbeat = 50 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.registry.Register("coder", &ScriptedExecutor{
		AgentType:    "coder",
		ArtifactType: "code_bundle",
		Delay:        400 * time.Millisecond,
	})
	env.createProject(t, "proj-1")
	env.startWorkers(t)

	taskID, err := env.scheduler.Submit(context.Background(), core.NewTask("", "proj-1", "coder", "implement"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return env.getTask(t, taskID).Status == core.TaskStatusCompleted
	}, "task did not complete")

	// A long attempt announces itself between start and completion, so
	// stream consumers can tell slow work from a stall.
	progress := env.eventsOfKind(t, "proj-1", EventTaskProgress)
	if len(progress) == 0 {
		t.Fatal("expected task.progress events during the attempt")
	}
	for _, event := range progress {
		if event.Payload["task_id"] != taskID {
			t.Errorf("progress event for wrong task: %+v", event.Payload)
		}
		if event.Payload["attempt"] == nil {
			t.Errorf("progress event missing the attempt: %+v", event.Payload)
		}
	}

	done := env.getTask(t, taskID)
	if done.HeartbeatAt == nil || done.StartedAt == nil || !done.HeartbeatAt.After(*done.StartedAt) {
		t.Error("heartbeat should refresh the liveness record during the attempt")
	}
}
