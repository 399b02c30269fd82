package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/core"
)

// MemoryContextStore is an in-memory ContextStore for tests and
// single-process development. It mirrors the Redis store's semantics
// including per-project created_at ordering.
type MemoryContextStore struct {
	mu        sync.RWMutex
	artifacts map[string]*ContextArtifact
	byProject map[string][]string // insertion order per project
	schemas   map[string]SchemaValidator
}

// NewMemoryContextStore creates an empty in-memory store.
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{
		artifacts: make(map[string]*ContextArtifact),
		byProject: make(map[string][]string),
		schemas:   make(map[string]SchemaValidator),
	}
}

var _ ContextStore = (*MemoryContextStore)(nil)

// RegisterSchema installs a content validator for an artifact type.
// Subsequent Puts of that type must pass the validator.
func (s *MemoryContextStore) RegisterSchema(artifactType string, validator SchemaValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[artifactType] = validator
}

// Put writes a new artifact and returns its generated id
func (s *MemoryContextStore) Put(ctx context.Context, artifact *ContextArtifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateArtifact(artifact, s.schemas); err != nil {
		return "", err
	}

	stored := *artifact
	stored.ID = uuid.New().String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.artifacts[stored.ID] = &stored
	s.byProject[stored.ProjectID] = append(s.byProject[stored.ProjectID], stored.ID)
	return stored.ID, nil
}

// Get retrieves one artifact by id
func (s *MemoryContextStore) Get(ctx context.Context, id string) (*ContextArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, core.ErrArtifactNotFound
	}
	copied := *artifact
	return &copied, nil
}

// GetMany returns artifacts in request order, skipping unknown ids
func (s *MemoryContextStore) GetMany(ctx context.Context, ids []string) ([]*ContextArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ContextArtifact, 0, len(ids))
	for _, id := range ids {
		if artifact, ok := s.artifacts[id]; ok {
			copied := *artifact
			result = append(result, &copied)
		}
	}
	return result, nil
}

// Query filters a project's artifacts, ordered by created_at ascending
func (s *MemoryContextStore) Query(ctx context.Context, projectID string, filter ArtifactFilter) ([]*ContextArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ContextArtifact
	for _, id := range s.byProject[projectID] {
		artifact := s.artifacts[id]
		if filter.Matches(artifact) {
			copied := *artifact
			result = append(result, &copied)
		}
	}
	sortArtifactsByCreation(result)
	return result, nil
}

// ListForProject returns metadata-only summaries ordered by created_at
func (s *MemoryContextStore) ListForProject(ctx context.Context, projectID string) ([]*ArtifactSummary, error) {
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

func sortArtifactsByCreation(artifacts []*ContextArtifact) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].ID < artifacts[j].ID
		}
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
}
