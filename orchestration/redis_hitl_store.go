// Package orchestration provides the Redis-backed HITL store.
//
// Storage layout (under the client's namespace):
//   - hitl:approval:{id}            approval JSON (kept for audit)
//   - hitl:pending:task:{task_id}   approval id; SETNX on this key is
//     what enforces at most one pending approval per task
//   - hitl:pending:index            SET of pending approval ids
//   - hitl:pending:project:{id}     SET of pending approval ids per project
//   - hitl:counter:{project_id}     HASH {enabled, remaining, initial_value}
//   - hitl:stop:{id}                emergency stop JSON
//   - hitl:stops:active             SET of active stop ids
//
// Counter decrements run as a Lua script so concurrent auto-approvals
// observe a linearizable sequence of remaining values.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ensembleworks/ensemble/core"
)

// decrementScript decrements the remaining budget only while positive.
// Returns {remaining, 1} on decrement, {remaining, 0} otherwise; a
// missing counter yields {-1, 0}.
var decrementScript = redis.NewScript(`
local r = tonumber(redis.call('HGET', KEYS[1], 'remaining') or '-1')
if r <= 0 then
  return {r, 0}
end
r = redis.call('HINCRBY', KEYS[1], 'remaining', -1)
return {r, 1}
`)

// RedisHITLStore is the production HITLStore implementation.
type RedisHITLStore struct {
	client *core.RedisClient
	logger core.Logger
}

// RedisHITLStoreOption configures the store.
type RedisHITLStoreOption func(*RedisHITLStore)

// WithHITLStoreLogger sets the logger for HITL store operations.
func WithHITLStoreLogger(logger core.Logger) RedisHITLStoreOption {
	return func(s *RedisHITLStore) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/hitl")
		} else {
			s.logger = logger
		}
	}
}

// NewRedisHITLStore creates a Redis-backed HITL store.
func NewRedisHITLStore(client *core.RedisClient, opts ...RedisHITLStoreOption) *RedisHITLStore {
	s := &RedisHITLStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ HITLStore = (*RedisHITLStore)(nil)

func (s *RedisHITLStore) approvalKey(id string) string {
	return s.client.FormatKey("hitl:approval:" + id)
}

func (s *RedisHITLStore) pendingTaskKey(taskID string) string {
	return s.client.FormatKey("hitl:pending:task:" + taskID)
}

func (s *RedisHITLStore) pendingIndexKey() string {
	return s.client.FormatKey("hitl:pending:index")
}

func (s *RedisHITLStore) pendingProjectKey(projectID string) string {
	return s.client.FormatKey("hitl:pending:project:" + projectID)
}

func (s *RedisHITLStore) counterKey(projectID string) string {
	return s.client.FormatKey("hitl:counter:" + projectID)
}

func (s *RedisHITLStore) stopKey(id string) string {
	return s.client.FormatKey("hitl:stop:" + id)
}

func (s *RedisHITLStore) activeStopsKey() string {
	return s.client.FormatKey("hitl:stops:active")
}

// CreateApproval persists a pending approval, enforcing uniqueness
func (s *RedisHITLStore) CreateApproval(ctx context.Context, approval *HITLApproval) error {
	if approval == nil || approval.ID == "" {
		return fmt.Errorf("approval id is required: %w", core.ErrInvalidTask)
	}
	if approval.ProjectID == "" || approval.TaskID == "" || approval.Kind == "" {
		return fmt.Errorf("approval requires project_id, task_id, and kind: %w", core.ErrInvalidTask)
	}
	approval.Status = ApprovalStatusPending

	rdb := s.client.Client()
	claimed, err := rdb.SetNX(ctx, s.pendingTaskKey(approval.TaskID), approval.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim pending slot: %w", core.ErrStorageUnavailable)
	}
	if !claimed {
		return &ApprovalError{
			Op:         "hitl.CreateApproval",
			ApprovalID: approval.ID,
			TaskID:     approval.TaskID,
			Err:        ErrPendingApprovalExists,
		}
	}

	data, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("failed to marshal approval %s: %w", approval.ID, err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.approvalKey(approval.ID), data, 0)
		pipe.SAdd(ctx, s.pendingIndexKey(), approval.ID)
		pipe.SAdd(ctx, s.pendingProjectKey(approval.ProjectID), approval.ID)
		return nil
	})
	if err != nil {
		// Release the slot so the task is not wedged
		rdb.Del(ctx, s.pendingTaskKey(approval.TaskID))
		return fmt.Errorf("failed to persist approval %s: %w", approval.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Approval created", map[string]interface{}{
			"operation":   "hitl.CreateApproval",
			"approval_id": approval.ID,
			"project_id":  approval.ProjectID,
			"task_id":     approval.TaskID,
			"kind":        string(approval.Kind),
			"expires_at":  approval.ExpiresAt.Format(time.RFC3339),
		})
	}
	return nil
}

// GetApproval retrieves an approval by id
func (s *RedisHITLStore) GetApproval(ctx context.Context, approvalID string) (*HITLApproval, error) {
	data, err := s.client.Client().Get(ctx, s.approvalKey(approvalID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrApprovalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read approval %s: %w", approvalID, core.ErrStorageUnavailable)
	}

	var approval HITLApproval
	if err := json.Unmarshal([]byte(data), &approval); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval %s: %w", approvalID, err)
	}
	return &approval, nil
}

// ResolveApproval transitions a pending approval to a terminal status
func (s *RedisHITLStore) ResolveApproval(ctx context.Context, approval *HITLApproval) error {
	existing, err := s.GetApproval(ctx, approval.ID)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return &ApprovalError{
			Op:         "hitl.ResolveApproval",
			ApprovalID: approval.ID,
			TaskID:     existing.TaskID,
			Err:        ErrApprovalAlreadyResolved,
		}
	}
	if !approval.Status.IsTerminal() {
		return fmt.Errorf("resolution status %q is not terminal: %w", approval.Status, core.ErrInvalidTransition)
	}

	data, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("failed to marshal approval %s: %w", approval.ID, err)
	}

	_, err = s.client.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.approvalKey(approval.ID), data, 0)
		pipe.Del(ctx, s.pendingTaskKey(existing.TaskID))
		pipe.SRem(ctx, s.pendingIndexKey(), approval.ID)
		pipe.SRem(ctx, s.pendingProjectKey(existing.ProjectID), approval.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resolve approval %s: %w", approval.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Approval resolved", map[string]interface{}{
			"operation":   "hitl.ResolveApproval",
			"approval_id": approval.ID,
			"project_id":  existing.ProjectID,
			"task_id":     existing.TaskID,
			"status":      string(approval.Status),
			"action":      string(approval.Action),
		})
	}
	return nil
}

// ListPending returns pending approvals ordered by creation time
func (s *RedisHITLStore) ListPending(ctx context.Context, projectID string) ([]*HITLApproval, error) {
	key := s.pendingIndexKey()
	if projectID != "" {
		key = s.pendingProjectKey(projectID)
	}

	ids, err := s.client.Client().SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", core.ErrStorageUnavailable)
	}

	approvals := make([]*HITLApproval, 0, len(ids))
	for _, id := range ids {
		approval, err := s.GetApproval(ctx, id)
		if err != nil {
			if isApprovalNotFound(err) {
				continue
			}
			return nil, err
		}
		// Index may briefly lag a concurrent resolution
		if approval.Status != ApprovalStatusPending {
			continue
		}
		approvals = append(approvals, approval)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
	return approvals, nil
}

// GetCounter returns the project's counter, or nil if uninitialized
func (s *RedisHITLStore) GetCounter(ctx context.Context, projectID string) (*HITLCounter, error) {
	fields, err := s.client.Client().HGetAll(ctx, s.counterKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read counter: %w", core.ErrStorageUnavailable)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	counter := &HITLCounter{ProjectID: projectID}
	counter.Enabled = fields["enabled"] == "1"
	counter.Remaining, _ = strconv.Atoi(fields["remaining"])
	counter.InitialValue, _ = strconv.Atoi(fields["initial_value"])
	return counter, nil
}

// PutCounter creates or replaces a project's counter
func (s *RedisHITLStore) PutCounter(ctx context.Context, counter *HITLCounter) error {
	if counter == nil || counter.ProjectID == "" {
		return fmt.Errorf("counter project_id is required: %w", core.ErrInvalidConfiguration)
	}

	enabled := "0"
	if counter.Enabled {
		enabled = "1"
	}
	err := s.client.Client().HSet(ctx, s.counterKey(counter.ProjectID),
		"enabled", enabled,
		"remaining", counter.Remaining,
		"initial_value", counter.InitialValue,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to write counter: %w", core.ErrStorageUnavailable)
	}
	return nil
}

// DecrementCounter atomically decrements Remaining while positive
func (s *RedisHITLStore) DecrementCounter(ctx context.Context, projectID string) (int, bool, error) {
	result, err := decrementScript.Run(ctx, s.client.Client(), []string{s.counterKey(projectID)}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to decrement counter: %w", core.ErrStorageUnavailable)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, false, fmt.Errorf("unexpected decrement script result %v", result)
	}
	remaining, _ := values[0].(int64)
	decremented, _ := values[1].(int64)

	if remaining < 0 {
		// No counter initialized for this project
		return 0, false, nil
	}
	return int(remaining), decremented == 1, nil
}

// ActivateStop persists an active emergency stop
func (s *RedisHITLStore) ActivateStop(ctx context.Context, stop *EmergencyStop) error {
	if stop == nil || stop.ID == "" || stop.Scope == "" {
		return fmt.Errorf("stop id and scope are required: %w", core.ErrInvalidConfiguration)
	}
	stop.Active = true

	data, err := json.Marshal(stop)
	if err != nil {
		return fmt.Errorf("failed to marshal stop %s: %w", stop.ID, err)
	}

	_, err = s.client.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.stopKey(stop.ID), data, 0)
		pipe.SAdd(ctx, s.activeStopsKey(), stop.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist stop %s: %w", stop.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil {
		s.logger.WarnWithContext(ctx, "Emergency stop activated", map[string]interface{}{
			"operation": "hitl.ActivateStop",
			"stop_id":   stop.ID,
			"scope":     stop.Scope,
			"reason":    stop.Reason,
		})
	}
	return nil
}

// DeactivateStop clears the flag, keeping the record for audit
func (s *RedisHITLStore) DeactivateStop(ctx context.Context, stopID string) (*EmergencyStop, error) {
	data, err := s.client.Client().Get(ctx, s.stopKey(stopID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("stop %s: %w", stopID, ErrStopNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stop %s: %w", stopID, core.ErrStorageUnavailable)
	}

	var stop EmergencyStop
	if err := json.Unmarshal([]byte(data), &stop); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stop %s: %w", stopID, err)
	}

	now := time.Now()
	stop.Active = false
	stop.DeactivatedAt = &now

	updated, err := json.Marshal(&stop)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stop %s: %w", stopID, err)
	}

	_, err = s.client.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.stopKey(stopID), updated, 0)
		pipe.SRem(ctx, s.activeStopsKey(), stopID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate stop %s: %w", stopID, core.ErrStorageUnavailable)
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Emergency stop deactivated", map[string]interface{}{
			"operation": "hitl.DeactivateStop",
			"stop_id":   stopID,
			"scope":     stop.Scope,
		})
	}
	return &stop, nil
}

// ActiveStopFor returns the active stop covering the project, if any
func (s *RedisHITLStore) ActiveStopFor(ctx context.Context, projectID string) (*EmergencyStop, error) {
	ids, err := s.client.Client().SMembers(ctx, s.activeStopsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active stops: %w", core.ErrStorageUnavailable)
	}

	for _, id := range ids {
		data, err := s.client.Client().Get(ctx, s.stopKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read stop %s: %w", id, core.ErrStorageUnavailable)
		}
		var stop EmergencyStop
		if err := json.Unmarshal([]byte(data), &stop); err != nil {
			continue
		}
		if stop.Covers(projectID) {
			return &stop, nil
		}
	}
	return nil, nil
}

func isApprovalNotFound(err error) bool {
	return errors.Is(err, ErrApprovalNotFound)
}
