// Package orchestration provides the workflow definition and run types.
//
// A workflow definition is a declarative, ordered list of steps loaded
// from YAML. Steps with an agent_type become scheduler tasks; steps
// without one are markers: approval gates and phase transitions. The
// definition is immutable at runtime. A WorkflowRun is one execution of
// a definition for a project; it carries all mutable state so the
// engine itself stays stateless between suspensions.
package orchestration

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ensembleworks/ensemble/core"
)

// WorkflowStep is one node in a workflow definition.
type WorkflowStep struct {
	// StepID uniquely names the step within its definition.
	StepID string `yaml:"step_id" json:"step_id"`

	// AgentType routes the step to an agent executor. Empty for pure
	// markers (gates and phase transitions).
	AgentType string `yaml:"agent_type,omitempty" json:"agent_type,omitempty"`

	// Creates names the artifact type this step is expected to produce.
	// For gate steps it doubles as the approval payload subject.
	Creates string `yaml:"creates,omitempty" json:"creates,omitempty"`

	// Requires lists artifact types resolved into concrete inputs at
	// submission time (latest artifact of each type).
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`

	// Condition is a boolean expression over the accumulated context.
	// Empty means always true.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Optional steps are skipped when their condition is false and may
	// fail without failing a parallel group.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	// Repeatable steps may run again on a re-driven workflow even if an
	// artifact of their type already exists.
	Repeatable bool `yaml:"repeatable,omitempty" json:"repeatable,omitempty"`

	// ParallelGroup groups consecutive steps for concurrent submission.
	ParallelGroup string `yaml:"parallel_group,omitempty" json:"parallel_group,omitempty"`

	// Phase, when set, makes the step a phase marker: entering it
	// updates the project's current phase.
	Phase string `yaml:"phase,omitempty" json:"phase,omitempty"`

	// RequireApproval gates the step on a human decision before its
	// task is admitted (phase_gate approval kind).
	RequireApproval bool `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`

	// Instructions is the prompt template handed to the executor.
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// IsMarker reports whether the step runs no agent.
func (s *WorkflowStep) IsMarker() bool {
	return s.AgentType == ""
}

// WorkflowDefinition is an immutable, ordered step list.
type WorkflowDefinition struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []WorkflowStep `yaml:"steps" json:"steps"`
}

// Step returns the step at index, or nil when out of range.
func (d *WorkflowDefinition) Step(index int) *WorkflowStep {
	if index < 0 || index >= len(d.Steps) {
		return nil
	}
	return &d.Steps[index]
}

// Validate checks structural invariants: a non-empty id, at least one
// step, unique step ids, and agent steps carrying instructions.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow definition requires an id: %w", core.ErrInvalidConfiguration)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps: %w", d.ID, core.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.StepID == "" {
			return fmt.Errorf("workflow %s step %d has no step_id: %w", d.ID, i, core.ErrInvalidConfiguration)
		}
		if seen[step.StepID] {
			return fmt.Errorf("workflow %s has duplicate step_id %q: %w", d.ID, step.StepID, core.ErrInvalidConfiguration)
		}
		seen[step.StepID] = true
		if !step.IsMarker() && step.Instructions == "" {
			return fmt.Errorf("workflow %s step %s has agent_type but no instructions: %w",
				d.ID, step.StepID, core.ErrInvalidConfiguration)
		}
	}
	return nil
}

// LoadWorkflowDefinition parses and validates a YAML definition.
func LoadWorkflowDefinition(r io.Reader) (*WorkflowDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition (check YAML syntax): %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadWorkflowDefinitionFile loads a definition from disk.
func LoadWorkflowDefinitionFile(path string) (*WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow definition %s: %w", path, err)
	}
	defer f.Close()
	return LoadWorkflowDefinition(f)
}

// DefinitionRegistry holds the loaded workflow definitions.
type DefinitionRegistry struct {
	defs map[string]*WorkflowDefinition
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{defs: make(map[string]*WorkflowDefinition)}
}

// Register adds a validated definition.
func (r *DefinitionRegistry) Register(def *WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.defs[def.ID] = def
	return nil
}

// Lookup returns the definition, or an error when unknown.
func (r *DefinitionRegistry) Lookup(definitionID string) (*WorkflowDefinition, error) {
	def, ok := r.defs[definitionID]
	if !ok {
		return nil, fmt.Errorf("workflow definition %q not registered: %w",
			definitionID, core.ErrMissingConfiguration)
	}
	return def, nil
}

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer progress.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunError records why a run failed.
type RunError struct {
	StepID  string `json:"step_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run error codes.
const (
	RunErrorCodeStepFailed      = "STEP_FAILED"
	RunErrorCodeConditionFailed = "CONDITION_FAILED"
	RunErrorCodeUserAborted     = "USER_ABORTED"
	RunErrorCodeDefinition      = "DEFINITION_ERROR"
	RunErrorCodeHalted          = "HALTED"
)

// WorkflowRun is one execution of a definition for a project. All
// mutable engine state lives here; the engine recovers a run purely
// from this record.
type WorkflowRun struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	DefinitionID string    `json:"definition_id"`
	Status       RunStatus `json:"status"`

	// CurrentStepIndex only ever advances. The step at this index is
	// the next one to execute.
	CurrentStepIndex int `json:"current_step_index"`

	// ContextSnapshot maps artifact type to the latest artifact id
	// produced so far, committed after every completed step.
	ContextSnapshot map[string]string `json:"context_snapshot,omitempty"`

	// StepRetries counts workflow-level retries per step id, distinct
	// from the scheduler's attempt ladder.
	StepRetries map[string]int `json:"step_retries,omitempty"`

	// PendingApprovalID is set while the run is paused on a HITL
	// decision; the matching hitl.responded event resumes it.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`

	// PauseReason explains a paused status (hitl_rejected, step gate,
	// emergency stop).
	PauseReason string `json:"pause_reason,omitempty"`

	Error *RunError `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowRun creates a pending run for a project.
func NewWorkflowRun(id, projectID, definitionID string) *WorkflowRun {
	now := time.Now()
	return &WorkflowRun{
		ID:              id,
		ProjectID:       projectID,
		DefinitionID:    definitionID,
		Status:          RunStatusPending,
		ContextSnapshot: make(map[string]string),
		StepRetries:     make(map[string]int),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// WorkflowRunStore persists runs.
type WorkflowRunStore interface {
	// Create persists a new run. Fails if the id already exists.
	Create(ctx context.Context, run *WorkflowRun) error

	// Get retrieves a run by id. Returns core.ErrRunNotFound when the
	// run does not exist.
	Get(ctx context.Context, runID string) (*WorkflowRun, error)

	// Update persists run changes and refreshes UpdatedAt.
	Update(ctx context.Context, run *WorkflowRun) error

	// GetByProject returns the run owning a project, or
	// core.ErrRunNotFound.
	GetByProject(ctx context.Context, projectID string) (*WorkflowRun, error)

	// ListByStatus returns all runs with the given status. Used by
	// crash recovery.
	ListByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error)
}
