package orchestration

// Shared fixtures for the orchestration test suite. Redis-backed stores
// run against miniredis; stores with in-memory implementations use
// those for speed.

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ensembleworks/ensemble/core"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *core.RedisClient) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		Namespace: "test",
	})
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func rawContent(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal content: %v", err)
	}
	return data
}

// testEnv assembles the full orchestration core against miniredis.
type testEnv struct {
	mr        *miniredis.Miniredis
	client    *core.RedisClient
	queue     *RedisTaskQueue
	tasks     *RedisTaskStore
	hitl      *RedisHITLStore
	projects  *MemoryProjectStore
	artifacts *MemoryContextStore
	runs      WorkflowRunStore
	log       *MemoryEventLog
	bus       *Bus
	gate      *Gate
	registry  *ExecutorRegistry
	scheduler *Scheduler
	defs      *DefinitionRegistry
	engine    *Engine
}

type envConfig struct {
	scheduler   core.SchedulerConfig
	hitl        core.HITLConfig
	maxAttempts int
	retryLimit  int
	policy      PhasePolicy
	heartbeat   time.Duration

	// redisRuns persists workflow runs through Redis instead of the
	// in-memory store, for tests covering recovery after a restart.
	redisRuns bool
}

func defaultEnvConfig() envConfig {
	return envConfig{
		scheduler: core.SchedulerConfig{
			WorkerCount:     2,
			AttemptTimeout:  5 * time.Second,
			CancelGrace:     50 * time.Millisecond,
			OrphanThreshold: 2 * time.Minute,
			QueueHighWater:  64,
		},
		hitl: core.HITLConfig{
			ApprovalTTL:    time.Hour,
			SweepInterval:  time.Hour,
			CounterInitial: 10,
			CounterEnabled: true,
		},
		maxAttempts: 1,
		retryLimit:  1,
	}
}

func newTestEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	mr, client := setupTestRedis(t)

	env := &testEnv{
		mr:        mr,
		client:    client,
		queue:     NewRedisTaskQueue(client),
		tasks:     NewRedisTaskStore(client),
		hitl:      NewRedisHITLStore(client),
		projects:  NewMemoryProjectStore(),
		artifacts: NewMemoryContextStore(),
		runs:      NewMemoryRunStore(),
		log:       NewMemoryEventLog(),
		registry:  NewExecutorRegistry(),
		defs:      NewDefinitionRegistry(),
	}
	if cfg.redisRuns {
		env.runs = NewRedisRunStore(client)
	}
	env.bus = NewBus(env.log)

	gateOpts := []GateOption{}
	if cfg.policy != nil {
		gateOpts = append(gateOpts, WithGatePolicy(cfg.policy))
	}
	env.gate = NewGate(env.hitl, env.tasks, env.queue, env.artifacts, env.bus, cfg.hitl, gateOpts...)

	schedOpts := []SchedulerOption{}
	if cfg.maxAttempts > 0 {
		schedOpts = append(schedOpts, WithMaxAttempts(cfg.maxAttempts))
	}
	if cfg.heartbeat > 0 {
		schedOpts = append(schedOpts, WithHeartbeatInterval(cfg.heartbeat))
	}
	env.scheduler = NewScheduler(env.queue, env.tasks, env.projects, env.artifacts,
		env.registry, env.gate, env.bus, cfg.scheduler, schedOpts...)
	env.gate.SetCanceller(env.scheduler)

	engineOpts := []EngineOption{}
	if cfg.retryLimit > 0 {
		engineOpts = append(engineOpts, WithWorkflowRetryLimit(cfg.retryLimit))
	}
	env.engine = NewEngine(env.runs, env.defs, env.projects, env.tasks, env.artifacts,
		env.scheduler, env.gate, env.bus, engineOpts...)

	return env
}

// startWorkers runs the scheduler for the duration of the test.
func (env *testEnv) startWorkers(t *testing.T) {
	t.Helper()
	if err := env.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	t.Cleanup(env.scheduler.Stop)
}

// createProject seeds an active project directly in the store.
func (env *testEnv) createProject(t *testing.T, id string) *core.Project {
	t.Helper()
	project := core.NewProject(id, "project "+id)
	if err := env.projects.Create(context.Background(), project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return project
}

// putArtifact stores an input artifact for the project.
func (env *testEnv) putArtifact(t *testing.T, projectID, artifactType string, content interface{}) string {
	t.Helper()
	id, err := env.artifacts.Put(context.Background(), &ContextArtifact{
		ProjectID:    projectID,
		SourceAgent:  "test",
		ArtifactType: artifactType,
		Content:      rawContent(t, content),
	})
	if err != nil {
		t.Fatalf("failed to store artifact: %v", err)
	}
	return id
}

// getTask fetches a task, failing the test on error.
func (env *testEnv) getTask(t *testing.T, taskID string) *core.Task {
	t.Helper()
	task, err := env.tasks.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("failed to get task %s: %v", taskID, err)
	}
	return task
}

// eventsOfKind filters the persisted log by kind.
func (env *testEnv) eventsOfKind(t *testing.T, projectID string, kind EventKind) []*Event {
	t.Helper()
	events, err := env.log.Query(context.Background(), AuditQuery{ProjectID: projectID, Kind: kind})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	return events
}
