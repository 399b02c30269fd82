// Package orchestration provides the Redis-backed ContextStore.
//
// Storage layout (under the client's namespace):
//   - context:artifact:{id}                 artifact JSON
//   - context:project:{project_id}:index    ZSET of artifact ids scored
//     by created_at (unix nanos) for ordered per-project listing
//
// Writes go through a transactional pipeline so the artifact record and
// its index entry commit together before Put acknowledges.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/telemetry"
)

// RedisContextStore is the production ContextStore implementation.
type RedisContextStore struct {
	client  *core.RedisClient
	logger  core.Logger
	schemas map[string]SchemaValidator
}

// RedisContextStoreOption configures the store.
type RedisContextStoreOption func(*RedisContextStore)

// WithContextStoreLogger sets the logger for context store operations.
// If the logger implements core.ComponentAwareLogger, a component-scoped
// child logger is created automatically.
func WithContextStoreLogger(logger core.Logger) RedisContextStoreOption {
	return func(s *RedisContextStore) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/context")
		} else {
			s.logger = logger
		}
	}
}

// NewRedisContextStore creates a Redis-backed context store.
func NewRedisContextStore(client *core.RedisClient, opts ...RedisContextStoreOption) *RedisContextStore {
	s := &RedisContextStore{
		client:  client,
		schemas: make(map[string]SchemaValidator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ContextStore = (*RedisContextStore)(nil)

// RegisterSchema installs a content validator for an artifact type.
// Not safe for concurrent use with Put; register at startup.
func (s *RedisContextStore) RegisterSchema(artifactType string, validator SchemaValidator) {
	s.schemas[artifactType] = validator
}

func (s *RedisContextStore) artifactKey(id string) string {
	return s.client.FormatKey("context:artifact:" + id)
}

func (s *RedisContextStore) projectIndexKey(projectID string) string {
	return s.client.FormatKey("context:project:" + projectID + ":index")
}

// Put writes a new artifact and returns its generated id
func (s *RedisContextStore) Put(ctx context.Context, artifact *ContextArtifact) (string, error) {
	if err := validateArtifact(artifact, s.schemas); err != nil {
		return "", err
	}

	stored := *artifact
	stored.ID = uuid.New().String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact: %w", err)
	}

	rdb := s.client.Client()
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.artifactKey(stored.ID), data, 0)
		pipe.ZAdd(ctx, s.projectIndexKey(stored.ProjectID), &redis.Z{
			Score:  float64(stored.CreatedAt.UnixNano()),
			Member: stored.ID,
		})
		return nil
	})
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorWithContext(ctx, "Failed to persist artifact", map[string]interface{}{
				"operation":     "context.Put",
				"project_id":    stored.ProjectID,
				"artifact_type": stored.ArtifactType,
				"error":         err.Error(),
			})
		}
		return "", fmt.Errorf("failed to persist artifact (check Redis connectivity): %w", core.ErrStorageUnavailable)
	}

	telemetry.Counter("context.artifacts.created", "artifact_type", stored.ArtifactType)
	if s.logger != nil {
		s.logger.DebugWithContext(ctx, "Artifact persisted", map[string]interface{}{
			"operation":     "context.Put",
			"artifact_id":   stored.ID,
			"project_id":    stored.ProjectID,
			"artifact_type": stored.ArtifactType,
			"source_agent":  stored.SourceAgent,
		})
	}
	return stored.ID, nil
}

// Get retrieves one artifact by id
func (s *RedisContextStore) Get(ctx context.Context, id string) (*ContextArtifact, error) {
	data, err := s.client.Client().Get(ctx, s.artifactKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("artifact %s: %w", id, core.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", id, core.ErrStorageUnavailable)
	}

	var artifact ContextArtifact
	if err := json.Unmarshal([]byte(data), &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact %s: %w", id, err)
	}
	return &artifact, nil
}

// GetMany returns artifacts in request order, skipping unknown ids.
// Uses a single pipelined round trip.
func (s *RedisContextStore) GetMany(ctx context.Context, ids []string) ([]*ContextArtifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Client().Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.artifactKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read artifacts: %w", core.ErrStorageUnavailable)
	}

	result := make([]*ContextArtifact, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", ids[i], core.ErrStorageUnavailable)
		}
		var artifact ContextArtifact
		if err := json.Unmarshal([]byte(data), &artifact); err != nil {
			if s.logger != nil {
				s.logger.Warn("Skipping undecodable artifact", map[string]interface{}{
					"operation":   "context.GetMany",
					"artifact_id": ids[i],
					"error":       err.Error(),
				})
			}
			continue
		}
		result = append(result, &artifact)
	}
	return result, nil
}

// Query filters a project's artifacts, ordered by created_at ascending
func (s *RedisContextStore) Query(ctx context.Context, projectID string, filter ArtifactFilter) ([]*ContextArtifact, error) {
	ids, err := s.client.Client().ZRange(ctx, s.projectIndexKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list project artifacts: %w", core.ErrStorageUnavailable)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	artifacts, err := s.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	var result []*ContextArtifact
	for _, a := range artifacts {
		if filter.Matches(a) {
			result = append(result, a)
		}
	}
	return result, nil
}

// ListForProject returns metadata-only summaries ordered by created_at
func (s *RedisContextStore) ListForProject(ctx context.Context, projectID string) ([]*ArtifactSummary, error) {
	artifacts, err := s.Query(ctx, projectID, ArtifactFilter{})
	if err != nil {
		return nil, err
	}
	summaries := make([]*ArtifactSummary, 0, len(artifacts))
	for _, a := range artifacts {
		summaries = append(summaries, a.Summary())
	}
	return summaries, nil
}
