package core

import (
	"context"
	"time"
)

// ProjectStatus represents the lifecycle state of a project
type ProjectStatus string

const (
	// ProjectStatusActive indicates the project is accepting work
	ProjectStatusActive ProjectStatus = "active"

	// ProjectStatusPaused indicates the project is suspended, typically
	// on a pending human approval or an emergency stop
	ProjectStatusPaused ProjectStatus = "paused"

	// ProjectStatusCompleted indicates the project finished its workflow
	ProjectStatusCompleted ProjectStatus = "completed"

	// ProjectStatusFailed indicates the project's workflow failed terminally
	ProjectStatusFailed ProjectStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state.
// Terminal projects reject new task submissions.
func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed
}

// Project represents a user's end-to-end engagement. Every task,
// artifact, approval, and event is owned by exactly one project;
// cross-project references are forbidden.
type Project struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status ProjectStatus `json:"status"`

	// CurrentPhase tracks workflow progress through the SDLC phases
	// (analyze, design, build, validate, launch)
	CurrentPhase string `json:"current_phase,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectStore persists projects.
// The orchestration core reads projects for admission control; creation
// happens through the same store on behalf of the project controller.
type ProjectStore interface {
	// Create persists a new project.
	Create(ctx context.Context, project *Project) error

	// Get retrieves a project by ID.
	// Returns ErrProjectNotFound if the project doesn't exist.
	Get(ctx context.Context, projectID string) (*Project, error)

	// Update persists project changes (status, current phase).
	Update(ctx context.Context, project *Project) error

	// List returns all known projects.
	List(ctx context.Context) ([]*Project, error)
}

// NewProject creates an active project with the given id and name.
func NewProject(id, name string) *Project {
	now := time.Now()
	return &Project{
		ID:        id,
		Name:      name,
		Status:    ProjectStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
