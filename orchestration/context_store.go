// Package orchestration provides the orchestration core for the
// multi-agent software development platform: context store, event
// fabric, task scheduler, HITL gate, and workflow engine.
//
// This file defines the ContextStore abstraction. The context store is
// the persistence primitive everything else builds on: a durable,
// append-only repository of typed artifacts produced by agents and
// consumed by later workflow steps.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensembleworks/ensemble/core"
)

// ContextArtifact is a typed piece of content produced by an agent.
// Artifacts are immutable once written; a new version requires a new id.
// Metadata may carry a "supersedes" back-reference as a hint, but the
// store does not enforce semantic versioning.
type ContextArtifact struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	SourceAgent  string                 `json:"source_agent"`
	ArtifactType string                 `json:"artifact_type"`
	Content      json.RawMessage        `json:"content"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ArtifactSummary is the metadata-only view used by listings.
type ArtifactSummary struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	SourceAgent  string    `json:"source_agent"`
	ArtifactType string    `json:"artifact_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary returns the metadata-only view of the artifact.
func (a *ContextArtifact) Summary() *ArtifactSummary {
	return &ArtifactSummary{
		ID:           a.ID,
		ProjectID:    a.ProjectID,
		SourceAgent:  a.SourceAgent,
		ArtifactType: a.ArtifactType,
		CreatedAt:    a.CreatedAt,
	}
}

// ArtifactFilter narrows Query results. Zero-value fields match everything.
type ArtifactFilter struct {
	ArtifactType string
	SourceAgent  string
}

// Matches reports whether the artifact passes the filter.
func (f ArtifactFilter) Matches(a *ContextArtifact) bool {
	if f.ArtifactType != "" && a.ArtifactType != f.ArtifactType {
		return false
	}
	if f.SourceAgent != "" && a.SourceAgent != f.SourceAgent {
		return false
	}
	return true
}

// SchemaValidator checks an artifact's content against the registered
// schema for its type. A non-nil error fails the Put.
type SchemaValidator func(content json.RawMessage) error

// ContextStore is the durable, append-only artifact repository.
//
// Guarantees: writes are durable before Put returns (commit before ack).
// Ids are unique across the process. Get after Put within a single
// project is read-your-writes.
//
// Failure semantics: backend errors surface wrapping
// core.ErrStorageUnavailable so callers can retry with backoff. Schema
// validation errors wrap core.ErrInvalidArtifact and are not retried.
type ContextStore interface {
	// Put writes a new artifact and returns a freshly generated id.
	// Fails with core.ErrInvalidArtifact if project_id, source_agent,
	// or artifact_type are missing, or if content fails the type's
	// schema check (if one is registered).
	Put(ctx context.Context, artifact *ContextArtifact) (string, error)

	// Get retrieves one artifact.
	// Returns core.ErrArtifactNotFound if the id is unknown.
	Get(ctx context.Context, id string) (*ContextArtifact, error)

	// GetMany returns artifacts in the order requested, skipping
	// unknown ids. Callers detect gaps by comparing lengths.
	GetMany(ctx context.Context, ids []string) ([]*ContextArtifact, error)

	// Query filters a project's artifacts by type and/or source agent.
	// Results are ordered by created_at ascending.
	Query(ctx context.Context, projectID string, filter ArtifactFilter) ([]*ContextArtifact, error)

	// ListForProject returns metadata-only summaries for a project,
	// ordered by created_at ascending.
	ListForProject(ctx context.Context, projectID string) ([]*ArtifactSummary, error)
}

// validateArtifact enforces the required fields and the registered
// schema, shared by both store implementations.
func validateArtifact(artifact *ContextArtifact, schemas map[string]SchemaValidator) error {
	if artifact == nil {
		return fmt.Errorf("artifact is nil: %w", core.ErrInvalidArtifact)
	}
	if artifact.ProjectID == "" {
		return fmt.Errorf("artifact missing project_id: %w", core.ErrInvalidArtifact)
	}
	if artifact.SourceAgent == "" {
		return fmt.Errorf("artifact missing source_agent: %w", core.ErrInvalidArtifact)
	}
	if artifact.ArtifactType == "" {
		return fmt.Errorf("artifact missing artifact_type: %w", core.ErrInvalidArtifact)
	}
	if validator, ok := schemas[artifact.ArtifactType]; ok && validator != nil {
		if err := validator(artifact.Content); err != nil {
			return fmt.Errorf("artifact content failed %q schema check: %v: %w",
				artifact.ArtifactType, err, core.ErrInvalidArtifact)
		}
	}
	return nil
}
