// Package orchestration provides the project store implementations.
//
// Projects are created by the external project controller; the core
// reads them for admission control (terminal projects reject new tasks)
// and updates status and current_phase as workflows progress.
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

// RedisProjectStore implements core.ProjectStore on Redis.
// Layout: projects:record:{id} JSON, projects:index SET of ids.
type RedisProjectStore struct {
	client *core.RedisClient
	logger core.Logger
}

// RedisProjectStoreOption configures the store.
type RedisProjectStoreOption func(*RedisProjectStore)

// WithProjectStoreLogger sets the logger for project store operations.
func WithProjectStoreLogger(logger core.Logger) RedisProjectStoreOption {
	return func(s *RedisProjectStore) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/projects")
		} else {
			s.logger = logger
		}
	}
}

// NewRedisProjectStore creates a Redis-backed project store.
func NewRedisProjectStore(client *core.RedisClient, opts ...RedisProjectStoreOption) *RedisProjectStore {
	s := &RedisProjectStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ core.ProjectStore = (*RedisProjectStore)(nil)

func (s *RedisProjectStore) recordKey(id string) string {
	return s.client.FormatKey("projects:record:" + id)
}

func (s *RedisProjectStore) indexKey() string {
	return s.client.FormatKey("projects:index")
}

// Create persists a new project
func (s *RedisProjectStore) Create(ctx context.Context, project *core.Project) error {
	if project == nil || project.ID == "" {
		return fmt.Errorf("project id is required: %w", core.ErrInvalidConfiguration)
	}

	data, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal project %s: %w", project.ID, err)
	}

	rdb := s.client.Client()
	created, err := rdb.SetNX(ctx, s.recordKey(project.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", project.ID, core.ErrStorageUnavailable)
	}
	if !created {
		return fmt.Errorf("project %s already exists: %w", project.ID, core.ErrInvalidConfiguration)
	}
	if err := rdb.SAdd(ctx, s.indexKey(), project.ID).Err(); err != nil {
		return fmt.Errorf("failed to index project %s: %w", project.ID, core.ErrStorageUnavailable)
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Project created", map[string]interface{}{
			"operation":  "projects.Create",
			"project_id": project.ID,
			"name":       project.Name,
		})
	}
	return nil
}

// Get retrieves a project by ID
func (s *RedisProjectStore) Get(ctx context.Context, projectID string) (*core.Project, error) {
	data, err := s.client.Client().Get(ctx, s.recordKey(projectID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("project %s: %w", projectID, core.ErrProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project %s: %w", projectID, core.ErrStorageUnavailable)
	}

	var project core.Project
	if err := json.Unmarshal([]byte(data), &project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project %s: %w", projectID, err)
	}
	return &project, nil
}

// Update persists project changes
func (s *RedisProjectStore) Update(ctx context.Context, project *core.Project) error {
	if project == nil || project.ID == "" {
		return fmt.Errorf("project id is required: %w", core.ErrInvalidConfiguration)
	}
	if _, err := s.Get(ctx, project.ID); err != nil {
		return err
	}

	project.UpdatedAt = time.Now()
	data, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal project %s: %w", project.ID, err)
	}
	if err := s.client.Client().Set(ctx, s.recordKey(project.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update project %s: %w", project.ID, core.ErrStorageUnavailable)
	}
	return nil
}

// List returns all known projects
func (s *RedisProjectStore) List(ctx context.Context) ([]*core.Project, error) {
	ids, err := s.client.Client().SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", core.ErrStorageUnavailable)
	}

	projects := make([]*core.Project, 0, len(ids))
	for _, id := range ids {
		project, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, nil
}

// MemoryProjectStore is an in-memory core.ProjectStore for tests.
type MemoryProjectStore struct {
	mu       sync.RWMutex
	projects map[string]*core.Project
}

// NewMemoryProjectStore creates an empty in-memory project store.
func NewMemoryProjectStore() *MemoryProjectStore {
	return &MemoryProjectStore{projects: make(map[string]*core.Project)}
}

var _ core.ProjectStore = (*MemoryProjectStore)(nil)

func (s *MemoryProjectStore) Create(ctx context.Context, project *core.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[project.ID]; exists {
		return fmt.Errorf("project %s already exists: %w", project.ID, core.ErrInvalidConfiguration)
	}
	copied := *project
	s.projects[project.ID] = &copied
	return nil
}

func (s *MemoryProjectStore) Get(ctx context.Context, projectID string) (*core.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, core.ErrProjectNotFound)
	}
	copied := *project
	return &copied, nil
}

func (s *MemoryProjectStore) Update(ctx context.Context, project *core.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; !ok {
		return fmt.Errorf("project %s: %w", project.ID, core.ErrProjectNotFound)
	}
	copied := *project
	copied.UpdatedAt = time.Now()
	s.projects[project.ID] = &copied
	return nil
}

func (s *MemoryProjectStore) List(ctx context.Context) ([]*core.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]*core.Project, 0, len(s.projects))
	for _, p := range s.projects {
		copied := *p
		projects = append(projects, &copied)
	}
	return projects, nil
}
