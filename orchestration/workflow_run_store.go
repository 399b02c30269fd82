// Redis-backed workflow run store.
//
// Storage layout (under the client's namespace):
//   - runs:record:{id}          run JSON
//   - runs:project:{project_id} run id (one active run per project)
//   - runs:status:{status}      SET of run ids for recovery scans
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ensembleworks/ensemble/core"
)

// RedisRunStore implements WorkflowRunStore.
type RedisRunStore struct {
	client *core.RedisClient
	logger core.Logger
}

// RedisRunStoreOption configures the store.
type RedisRunStoreOption func(*RedisRunStore)

// WithRunStoreLogger sets the logger for run store operations.
func WithRunStoreLogger(logger core.Logger) RedisRunStoreOption {
	return func(s *RedisRunStore) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/runstore")
		} else {
			s.logger = logger
		}
	}
}

// NewRedisRunStore creates a Redis-backed workflow run store.
func NewRedisRunStore(client *core.RedisClient, opts ...RedisRunStoreOption) *RedisRunStore {
	s := &RedisRunStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ WorkflowRunStore = (*RedisRunStore)(nil)

func (s *RedisRunStore) runKey(id string) string {
	return s.client.FormatKey("runs:record:" + id)
}

func (s *RedisRunStore) projectKey(projectID string) string {
	return s.client.FormatKey("runs:project:" + projectID)
}

func (s *RedisRunStore) statusKey(status RunStatus) string {
	return s.client.FormatKey("runs:status:" + string(status))
}

// Create persists a new run. A project may own only one run.
func (s *RedisRunStore) Create(ctx context.Context, run *WorkflowRun) error {
	if run == nil || run.ID == "" || run.ProjectID == "" {
		return fmt.Errorf("run requires id and project_id: %w", core.ErrInvalidConfiguration)
	}

	rdb := s.client.Client()
	claimed, err := rdb.SetNX(ctx, s.projectKey(run.ProjectID), run.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim project run slot: %w", core.ErrStorageUnavailable)
	}
	if !claimed {
		return fmt.Errorf("project %s already has a workflow run: %w",
			run.ProjectID, core.ErrInvalidConfiguration)
	}

	data, err := json.Marshal(run)
	if err != nil {
		rdb.Del(ctx, s.projectKey(run.ProjectID))
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.ID), data, 0)
		pipe.SAdd(ctx, s.statusKey(run.Status), run.ID)
		return nil
	})
	if err != nil {
		rdb.Del(ctx, s.projectKey(run.ProjectID))
		return fmt.Errorf("failed to persist run %s: %w", run.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Workflow run created", map[string]interface{}{
			"operation":     "runstore.Create",
			"run_id":        run.ID,
			"project_id":    run.ProjectID,
			"definition_id": run.DefinitionID,
		})
	}
	return nil
}

// Get retrieves a run by id.
func (s *RedisRunStore) Get(ctx context.Context, runID string) (*WorkflowRun, error) {
	data, err := s.client.Client().Get(ctx, s.runKey(runID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, core.ErrStorageUnavailable)
	}

	var run WorkflowRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

// Update persists run changes and maintains the status index.
func (s *RedisRunStore) Update(ctx context.Context, run *WorkflowRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required: %w", core.ErrInvalidConfiguration)
	}

	existing, err := s.Get(ctx, run.ID)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	_, err = s.client.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.ID), data, 0)
		if existing.Status != run.Status {
			pipe.SRem(ctx, s.statusKey(existing.Status), run.ID)
			pipe.SAdd(ctx, s.statusKey(run.Status), run.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil && existing.Status != run.Status {
		s.logger.InfoWithContext(ctx, "Workflow run status changed", map[string]interface{}{
			"operation":   "runstore.Update",
			"run_id":      run.ID,
			"project_id":  run.ProjectID,
			"from_status": string(existing.Status),
			"to_status":   string(run.Status),
			"step_index":  run.CurrentStepIndex,
		})
	}
	return nil
}

// GetByProject returns the run owning a project.
func (s *RedisRunStore) GetByProject(ctx context.Context, projectID string) (*WorkflowRun, error) {
	runID, err := s.client.Client().Get(ctx, s.projectKey(projectID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("project %s has no workflow run: %w", projectID, core.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project run: %w", core.ErrStorageUnavailable)
	}
	return s.Get(ctx, runID)
}

// ListByStatus returns all runs with the given status.
func (s *RedisRunStore) ListByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error) {
	ids, err := s.client.Client().SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by status: %w", core.ErrStorageUnavailable)
	}
	runs := make([]*WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// MemoryRunStore is the in-memory WorkflowRunStore for tests and
// single-process development.
type MemoryRunStore struct {
	mu        sync.RWMutex
	runs      map[string]*WorkflowRun
	byProject map[string]string
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:      make(map[string]*WorkflowRun),
		byProject: make(map[string]string),
	}
}

var _ WorkflowRunStore = (*MemoryRunStore)(nil)

// Create implements WorkflowRunStore.
func (s *MemoryRunStore) Create(ctx context.Context, run *WorkflowRun) error {
	if run == nil || run.ID == "" || run.ProjectID == "" {
		return fmt.Errorf("run requires id and project_id: %w", core.ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byProject[run.ProjectID]; ok {
		return fmt.Errorf("project %s already has a workflow run: %w",
			run.ProjectID, core.ErrInvalidConfiguration)
	}
	copied := *run
	s.runs[run.ID] = &copied
	s.byProject[run.ProjectID] = run.ID
	return nil
}

// Get implements WorkflowRunStore.
func (s *MemoryRunStore) Get(ctx context.Context, runID string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}
	copied := *run
	return &copied, nil
}

// Update implements WorkflowRunStore.
func (s *MemoryRunStore) Update(ctx context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, core.ErrRunNotFound)
	}
	run.UpdatedAt = time.Now()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

// GetByProject implements WorkflowRunStore.
func (s *MemoryRunStore) GetByProject(ctx context.Context, projectID string) (*WorkflowRun, error) {
	s.mu.RLock()
	runID, ok := s.byProject[projectID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("project %s has no workflow run: %w", projectID, core.ErrRunNotFound)
	}
	return s.Get(ctx, runID)
}

// ListByStatus implements WorkflowRunStore.
func (s *MemoryRunStore) ListByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*WorkflowRun, 0)
	for _, run := range s.runs {
		if run.Status == status {
			copied := *run
			runs = append(runs, &copied)
		}
	}
	return runs, nil
}
