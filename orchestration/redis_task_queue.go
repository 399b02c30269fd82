// Package orchestration provides the Redis-backed task queue.
//
// The queue is a single Redis list consumed with BRPOP. FIFO order on
// the list is what preserves per-project submission order: the engine
// submits one step at a time per run, so a project's tasks can never
// overtake each other.
//
// Queue operations on the submit path run behind a circuit breaker so a
// failing Redis does not stall HTTP handlers on connection timeouts.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/telemetry"
)

const taskQueueKey = "queue:tasks"

// RedisTaskQueue implements core.TaskQueue on a Redis list.
type RedisTaskQueue struct {
	client  *core.RedisClient
	logger  core.Logger
	breaker core.CircuitBreaker
}

// RedisTaskQueueOption configures the queue.
type RedisTaskQueueOption func(*RedisTaskQueue)

// WithTaskQueueLogger sets the logger for queue operations.
func WithTaskQueueLogger(logger core.Logger) RedisTaskQueueOption {
	return func(q *RedisTaskQueue) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			q.logger = cal.WithComponent("orchestration/queue")
		} else {
			q.logger = logger
		}
	}
}

// WithTaskQueueCircuitBreaker guards enqueue operations with the given
// breaker. Dequeue is not guarded; workers already poll with timeouts.
func WithTaskQueueCircuitBreaker(breaker core.CircuitBreaker) RedisTaskQueueOption {
	return func(q *RedisTaskQueue) {
		q.breaker = breaker
	}
}

// NewRedisTaskQueue creates a Redis-backed task queue.
func NewRedisTaskQueue(client *core.RedisClient, opts ...RedisTaskQueueOption) *RedisTaskQueue {
	q := &RedisTaskQueue{client: client}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ core.TaskQueue = (*RedisTaskQueue)(nil)

func (q *RedisTaskQueue) queueKey() string {
	return q.client.FormatKey(taskQueueKey)
}

// Enqueue adds a task to the queue
func (q *RedisTaskQueue) Enqueue(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required: %w", core.ErrInvalidTask)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	push := func() error {
		return q.client.Client().LPush(ctx, q.queueKey(), data).Err()
	}

	if q.breaker != nil {
		err = q.breaker.Execute(ctx, push)
	} else {
		err = push()
	}
	if err != nil {
		if q.logger != nil {
			q.logger.ErrorWithContext(ctx, "Failed to enqueue task", map[string]interface{}{
				"operation":  "queue.Enqueue",
				"task_id":    task.ID,
				"project_id": task.ProjectID,
				"error":      err.Error(),
			})
		}
		return fmt.Errorf("failed to enqueue task %s (check Redis connectivity): %w",
			task.ID, core.ErrStorageUnavailable)
	}

	telemetry.Counter("scheduler.queue.enqueued", "agent_type", task.AgentType)
	if q.logger != nil {
		q.logger.DebugWithContext(ctx, "Task enqueued", map[string]interface{}{
			"operation":  "queue.Enqueue",
			"task_id":    task.ID,
			"project_id": task.ProjectID,
			"agent_type": task.AgentType,
		})
	}
	return nil
}

// Dequeue retrieves the next task, blocking up to timeout.
// Returns nil, nil if the timeout expires with no task available.
func (q *RedisTaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*core.Task, error) {
	result, err := q.client.Client().BRPop(ctx, timeout, q.queueKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue task: %w", core.ErrStorageUnavailable)
	}

	// BRPOP returns [key, value]
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result length %d", len(result))
	}

	var task core.Task
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		if q.logger != nil {
			q.logger.Error("Discarding undecodable queue entry", map[string]interface{}{
				"operation": "queue.Dequeue",
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("failed to unmarshal queued task: %w", err)
	}

	telemetry.Counter("scheduler.queue.dequeued", "agent_type", task.AgentType)
	return &task, nil
}

// Length returns the current queue depth
func (q *RedisTaskQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.Client().LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", core.ErrStorageUnavailable)
	}
	return n, nil
}
