// Package orchestration provides HTTP API handlers for projects and tasks.
//
// This file implements the REST API endpoints for project-scoped work:
//   - POST /projects                                - Create a project
//   - GET  /projects/{id}/status                    - Project status and tasks
//   - POST /projects/{id}/tasks                     - Submit an ad-hoc task
//   - POST /projects/{id}/tasks/{task_id}/cancel    - Cancel a task
//   - POST /projects/{id}/workflow/{def_id}/start   - Start a workflow run
//   - POST /projects/{id}/workflow/resume           - Resume a paused run
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/core"
)

// TaskAPIHandler provides HTTP handlers for project and task operations.
type TaskAPIHandler struct {
	engine    *Engine
	scheduler *Scheduler
	projects  core.ProjectStore
	tasks     core.TaskStore
	logger    core.Logger
}

// NewTaskAPIHandler creates a new project/task API handler.
func NewTaskAPIHandler(engine *Engine, scheduler *Scheduler, projects core.ProjectStore,
	tasks core.TaskStore, logger core.Logger) *TaskAPIHandler {
	h := &TaskAPIHandler{
		engine:    engine,
		scheduler: scheduler,
		projects:  projects,
		tasks:     tasks,
		logger:    logger,
	}
	if h.logger != nil {
		if cal, ok := h.logger.(core.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("orchestration/api")
		}
	}
	return h
}

// ═══════════════════════════════════════════════════════════════════════════
// Request/Response Types
// ═══════════════════════════════════════════════════════════════════════════

// ProjectCreateRequest is the request body for project creation.
type ProjectCreateRequest struct {
	Name string `json:"name"`
}

// ProjectCreateResponse is the response for project creation.
type ProjectCreateResponse struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// TaskSubmitRequest is the request body for ad-hoc task submission.
type TaskSubmitRequest struct {
	// AgentType routes the task (required)
	AgentType string `json:"agent_type"`

	// Instructions is the prompt payload (required)
	Instructions string `json:"instructions"`

	// ContextIDs reference existing input artifacts
	ContextIDs []string `json:"context_ids,omitempty"`

	// Timeout is the optional per-attempt deadline (e.g. "10m")
	Timeout string `json:"timeout,omitempty"`

	// FailFast returns 503 instead of blocking on a full queue
	FailFast bool `json:"fail_fast,omitempty"`
}

// TaskSubmitResponse is the response for task submission.
type TaskSubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskSummary is one task entry in the project status response.
type TaskSummary struct {
	TaskID      string          `json:"task_id"`
	AgentType   string          `json:"agent_type"`
	StepID      string          `json:"step_id,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	Error       *core.TaskError `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ProjectStatusResponse is the response for project status queries.
type ProjectStatusResponse struct {
	ProjectID    string        `json:"project_id"`
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	CurrentPhase string        `json:"current_phase,omitempty"`
	Run          *WorkflowRun  `json:"workflow_run,omitempty"`
	Tasks        []TaskSummary `json:"tasks"`
}

// WorkflowStartResponse is the response for starting a workflow.
type WorkflowStartResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Status        string `json:"status"`
}

// ErrorResponse is the standard error response shape.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// HTTP Handlers
// ═══════════════════════════════════════════════════════════════════════════

// HandleCreateProject handles POST /projects.
func (h *TaskAPIHandler) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ProjectCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "project name is required", "MISSING_NAME")
		return
	}

	project, err := h.engine.CreateProject(ctx, req.Name)
	if err != nil {
		h.writeInternal(ctx, w, "failed to create project", err)
		return
	}

	writeJSON(w, http.StatusCreated, ProjectCreateResponse{
		ProjectID: project.ID,
		Name:      project.Name,
		Status:    string(project.Status),
	})
}

// HandleSubmitTask handles POST /projects/{id}/tasks.
func (h *TaskAPIHandler) HandleSubmitTask(w http.ResponseWriter, r *http.Request, projectID string) {
	ctx := r.Context()

	var req TaskSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.AgentType == "" {
		h.writeError(w, http.StatusBadRequest, "agent_type is required", "MISSING_AGENT_TYPE")
		return
	}
	if req.Instructions == "" {
		h.writeError(w, http.StatusBadRequest, "instructions are required", "MISSING_INSTRUCTIONS")
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid timeout format", "INVALID_TIMEOUT")
			return
		}
	}

	task := core.NewTask("", projectID, req.AgentType, req.Instructions)
	task.ContextIDs = req.ContextIDs
	task.Options.Timeout = timeout
	task.Options.FailFastOnFullQueue = req.FailFast

	taskID, err := h.scheduler.Submit(ctx, task)
	if err != nil {
		h.writeSubmitError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TaskSubmitResponse{
		TaskID: taskID,
		Status: "submitted",
	})
}

// HandleProjectStatus handles GET /projects/{id}/status.
func (h *TaskAPIHandler) HandleProjectStatus(w http.ResponseWriter, r *http.Request, projectID string) {
	ctx := r.Context()

	project, err := h.projects.Get(ctx, projectID)
	if err != nil {
		if core.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "project not found", "PROJECT_NOT_FOUND")
			return
		}
		h.writeInternal(ctx, w, "failed to read project", err)
		return
	}

	tasks, err := h.tasks.ListByProject(ctx, projectID)
	if err != nil {
		h.writeInternal(ctx, w, "failed to list project tasks", err)
		return
	}

	resp := ProjectStatusResponse{
		ProjectID:    project.ID,
		Name:         project.Name,
		Status:       string(project.Status),
		CurrentPhase: project.CurrentPhase,
		Tasks:        make([]TaskSummary, 0, len(tasks)),
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskSummary{
			TaskID:      t.ID,
			AgentType:   t.AgentType,
			StepID:      t.StepID,
			Status:      string(t.Status),
			Attempts:    t.AttemptCount,
			Error:       t.Error,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	if run, err := h.engine.GetRunByProject(ctx, projectID); err == nil {
		resp.Run = run
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleCancelTask handles POST /projects/{id}/tasks/{task_id}/cancel.
func (h *TaskAPIHandler) HandleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()

	if err := h.scheduler.Cancel(ctx, taskID, "user"); err != nil {
		switch {
		case core.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
		case errors.Is(err, core.ErrAlreadyTerminal):
			h.writeError(w, http.StatusConflict, "task is already in a terminal state", "ALREADY_TERMINAL")
		default:
			h.writeInternal(ctx, w, "failed to cancel task", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": taskID,
		"status":  "cancelling",
	})
}

// HandleStartWorkflow handles POST /projects/{id}/workflow/{def_id}/start.
func (h *TaskAPIHandler) HandleStartWorkflow(w http.ResponseWriter, r *http.Request, projectID, definitionID string) {
	ctx := r.Context()

	run, err := h.engine.StartWorkflow(ctx, projectID, definitionID)
	if err != nil {
		switch {
		case core.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, "project not found", "PROJECT_NOT_FOUND")
		case errors.Is(err, core.ErrProjectTerminal):
			h.writeError(w, http.StatusConflict, "project is in a terminal state", "PROJECT_TERMINAL")
		case core.IsConfigurationError(err):
			h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_WORKFLOW")
		default:
			h.writeInternal(ctx, w, "failed to start workflow", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, WorkflowStartResponse{
		WorkflowRunID: run.ID,
		Status:        string(run.Status),
	})
}

// HandleResumeWorkflow handles POST /projects/{id}/workflow/resume.
func (h *TaskAPIHandler) HandleResumeWorkflow(w http.ResponseWriter, r *http.Request, projectID string) {
	ctx := r.Context()

	run, err := h.engine.GetRunByProject(ctx, projectID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "project has no workflow run", "RUN_NOT_FOUND")
		return
	}
	run, err = h.engine.ResumeRun(ctx, run.ID)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyTerminal) {
			h.writeError(w, http.StatusConflict, "workflow run is already terminal", "ALREADY_TERMINAL")
			return
		}
		h.writeInternal(ctx, w, "failed to resume workflow", err)
		return
	}

	writeJSON(w, http.StatusOK, WorkflowStartResponse{
		WorkflowRunID: run.ID,
		Status:        string(run.Status),
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Route Registration
// ═══════════════════════════════════════════════════════════════════════════

// RegisterRoutes registers all project and task routes with the mux.
func (h *TaskAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.HandleCreateProject(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/projects/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/projects/")
		parts := strings.Split(rest, "/")
		if len(parts) == 0 || parts[0] == "" {
			h.writeError(w, http.StatusBadRequest, "project id is required", "MISSING_PROJECT_ID")
			return
		}
		projectID := parts[0]

		switch {
		case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
			h.HandleProjectStatus(w, r, projectID)
		case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodPost:
			h.HandleSubmitTask(w, r, projectID)
		case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "cancel" && r.Method == http.MethodPost:
			h.HandleCancelTask(w, r, parts[2])
		case len(parts) == 4 && parts[1] == "workflow" && parts[3] == "start" && r.Method == http.MethodPost:
			h.HandleStartWorkflow(w, r, projectID, parts[2])
		case len(parts) == 3 && parts[1] == "workflow" && parts[2] == "resume" && r.Method == http.MethodPost:
			h.HandleResumeWorkflow(w, r, projectID)
		default:
			h.writeError(w, http.StatusNotFound, "unknown route", "NOT_FOUND")
		}
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Helper Functions
// ═══════════════════════════════════════════════════════════════════════════

// writeSubmitError maps Submit errors to status codes without leaking
// internals.
func (h *TaskAPIHandler) writeSubmitError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, "project not found", "PROJECT_NOT_FOUND")
	case errors.Is(err, core.ErrProjectTerminal):
		h.writeError(w, http.StatusConflict, "project is in a terminal state", "PROJECT_TERMINAL")
	case errors.Is(err, core.ErrUnknownAgentType):
		h.writeError(w, http.StatusBadRequest, "unknown agent type", "UNKNOWN_AGENT_TYPE")
	case errors.Is(err, core.ErrHalted):
		h.writeError(w, http.StatusConflict, "project is halted by an emergency stop", "HALTED")
	case errors.Is(err, core.ErrQueueFull):
		h.writeError(w, http.StatusServiceUnavailable, "task queue is at capacity", "QUEUE_FULL")
	case core.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_TASK")
	default:
		if h.logger != nil {
			h.logger.Error("Task submission failed", map[string]interface{}{
				"operation": "api.HandleSubmitTask",
				"error":     err.Error(),
			})
		}
		h.writeError(w, http.StatusInternalServerError, "failed to submit task", "INTERNAL")
	}
}

func (h *TaskAPIHandler) writeInternal(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if h.logger != nil {
		h.logger.ErrorWithContext(ctx, msg, map[string]interface{}{
			"operation": "api",
			"error":     err.Error(),
		})
	}
	h.writeError(w, http.StatusInternalServerError, msg, "INTERNAL")
}

func (h *TaskAPIHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
