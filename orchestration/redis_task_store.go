// Package orchestration provides the Redis-backed task store.
//
// Storage layout (under the client's namespace):
//   - tasks:record:{id}          task JSON
//   - tasks:project:{project_id} SET of task ids for project listing
//   - tasks:status:{status}      SET of task ids for recovery scans
//
// Update enforces the task state machine: a status change must be a
// legal edge, and terminal tasks are immutable.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/ensembleworks/ensemble/core"
)

// RedisTaskStore implements core.TaskStore.
type RedisTaskStore struct {
	client *core.RedisClient
	logger core.Logger
}

// RedisTaskStoreOption configures the store.
type RedisTaskStoreOption func(*RedisTaskStore)

// WithTaskStoreLogger sets the logger for task store operations.
func WithTaskStoreLogger(logger core.Logger) RedisTaskStoreOption {
	return func(s *RedisTaskStore) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/taskstore")
		} else {
			s.logger = logger
		}
	}
}

// NewRedisTaskStore creates a Redis-backed task store.
func NewRedisTaskStore(client *core.RedisClient, opts ...RedisTaskStoreOption) *RedisTaskStore {
	s := &RedisTaskStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ core.TaskStore = (*RedisTaskStore)(nil)

func (s *RedisTaskStore) taskKey(id string) string {
	return s.client.FormatKey("tasks:record:" + id)
}

func (s *RedisTaskStore) projectKey(projectID string) string {
	return s.client.FormatKey("tasks:project:" + projectID)
}

func (s *RedisTaskStore) statusKey(status core.TaskStatus) string {
	return s.client.FormatKey("tasks:status:" + string(status))
}

// Create persists a new task. Fails if the id already exists.
func (s *RedisTaskStore) Create(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required: %w", core.ErrInvalidTask)
	}
	if task.ProjectID == "" {
		return fmt.Errorf("task %s missing project_id: %w", task.ID, core.ErrInvalidTask)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	rdb := s.client.Client()
	created, err := rdb.SetNX(ctx, s.taskKey(task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, core.ErrStorageUnavailable)
	}
	if !created {
		return fmt.Errorf("task %s already exists: %w", task.ID, core.ErrInvalidTask)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.projectKey(task.ProjectID), task.ID)
		pipe.SAdd(ctx, s.statusKey(task.Status), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index task %s: %w", task.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil {
		s.logger.DebugWithContext(ctx, "Task created", map[string]interface{}{
			"operation":  "taskstore.Create",
			"task_id":    task.ID,
			"project_id": task.ProjectID,
			"agent_type": task.AgentType,
			"status":     string(task.Status),
		})
	}
	return nil
}

// Get retrieves a task by ID
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*core.Task, error) {
	data, err := s.client.Client().Get(ctx, s.taskKey(taskID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", taskID, core.ErrStorageUnavailable)
	}

	var task core.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

// Update persists task changes, enforcing the state machine
func (s *RedisTaskStore) Update(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required: %w", core.ErrInvalidTask)
	}

	existing, err := s.Get(ctx, task.ID)
	if err != nil {
		return err
	}

	if existing.Status != task.Status {
		if existing.Status.IsTerminal() {
			return fmt.Errorf("task %s is %s: %w", task.ID, existing.Status, core.ErrAlreadyTerminal)
		}
		if !existing.Status.CanTransition(task.Status) {
			return fmt.Errorf("task %s cannot move %s -> %s: %w",
				task.ID, existing.Status, task.Status, core.ErrInvalidTransition)
		}
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	_, err = s.client.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(task.ID), data, 0)
		if existing.Status != task.Status {
			pipe.SRem(ctx, s.statusKey(existing.Status), task.ID)
			pipe.SAdd(ctx, s.statusKey(task.Status), task.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil && existing.Status != task.Status {
		s.logger.InfoWithContext(ctx, "Task status changed", map[string]interface{}{
			"operation":   "taskstore.Update",
			"task_id":     task.ID,
			"project_id":  task.ProjectID,
			"from_status": string(existing.Status),
			"to_status":   string(task.Status),
			"attempts":    task.AttemptCount,
		})
	}
	return nil
}

// ListByProject returns all tasks belonging to a project
func (s *RedisTaskStore) ListByProject(ctx context.Context, projectID string) ([]*core.Task, error) {
	ids, err := s.client.Client().SMembers(ctx, s.projectKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list project tasks: %w", core.ErrStorageUnavailable)
	}
	return s.getMany(ctx, ids)
}

// ListByStatus returns all tasks with the given status
func (s *RedisTaskStore) ListByStatus(ctx context.Context, status core.TaskStatus) ([]*core.Task, error) {
	ids, err := s.client.Client().SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", core.ErrStorageUnavailable)
	}
	return s.getMany(ctx, ids)
}

func (s *RedisTaskStore) getMany(ctx context.Context, ids []string) ([]*core.Task, error) {
	tasks := make([]*core.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			// Index can briefly reference a record mid-write; skip holes
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
