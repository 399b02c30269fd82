// Package orchestration provides HTTP API handlers for HITL control.
//
// This file implements the human-in-the-loop REST endpoints:
//   - POST   /hitl/request-approval          - Create an approval manually
//   - POST   /hitl/approve/{approval_id}     - Resolve an approval
//   - GET    /hitl/pending?project_id=       - List pending approvals
//   - GET    /hitl/status/{approval_id}      - Read an approval record
//   - POST   /hitl/emergency-stop            - Raise an emergency stop
//   - DELETE /hitl/emergency-stop/{stop_id}  - Clear an emergency stop
//   - GET    /hitl/project/{id}/summary      - Counts and counter state
//   - GET    /hitl/health                    - Component status
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

// HITLAPIHandler provides HTTP handlers for HITL operations.
type HITLAPIHandler struct {
	gate   *Gate
	tasks  core.TaskStore
	client *core.RedisClient
	logger core.Logger
}

// NewHITLAPIHandler creates a new HITL API handler. The Redis client is
// used only for the health probe and may be nil.
func NewHITLAPIHandler(gate *Gate, tasks core.TaskStore, client *core.RedisClient, logger core.Logger) *HITLAPIHandler {
	h := &HITLAPIHandler{
		gate:   gate,
		tasks:  tasks,
		client: client,
		logger: logger,
	}
	if h.logger != nil {
		if cal, ok := h.logger.(core.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("orchestration/hitl-api")
		}
	}
	return h
}

// ═══════════════════════════════════════════════════════════════════════════
// Request/Response Types
// ═══════════════════════════════════════════════════════════════════════════

// ApprovalRequest is the request body for manual approval creation.
type ApprovalRequest struct {
	ProjectID       string `json:"project_id"`
	TaskID          string `json:"task_id"`
	AgentType       string `json:"agent_type,omitempty"`
	Instructions    string `json:"instructions,omitempty"`
	EstimatedTokens int    `json:"estimated_tokens,omitempty"`
}

// ApprovalRequestResponse is the response for approval creation.
type ApprovalRequestResponse struct {
	ApprovalID string    `json:"approval_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RespondRequest is the request body for resolving an approval.
type RespondRequest struct {
	Action   string `json:"action"`
	UserText string `json:"user_text,omitempty"`
}

// RespondResponse is the response for resolving an approval.
type RespondResponse struct {
	Status          string `json:"status"`
	WorkflowResumed bool   `json:"workflow_resumed"`
	AlreadyResolved bool   `json:"already_resolved,omitempty"`
}

// StopRequest is the request body for raising an emergency stop.
type StopRequest struct {
	// Scope is a project id, or "global"
	Scope  string `json:"scope"`
	Reason string `json:"reason,omitempty"`
}

// StopResponse is the response for raising an emergency stop.
type StopResponse struct {
	StopID string `json:"stop_id"`
	Scope  string `json:"scope"`
}

// HealthResponse reports component status for the health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// HTTP Handlers
// ═══════════════════════════════════════════════════════════════════════════

// HandleRequestApproval handles POST /hitl/request-approval.
func (h *HITLAPIHandler) HandleRequestApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.ProjectID == "" || req.TaskID == "" {
		h.writeError(w, http.StatusBadRequest, "project_id and task_id are required", "MISSING_FIELDS")
		return
	}

	task, err := h.tasks.Get(ctx, req.TaskID)
	if err != nil {
		if core.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
			return
		}
		h.writeInternal(ctx, w, "failed to read task", err)
		return
	}
	if task.ProjectID != req.ProjectID {
		h.writeError(w, http.StatusBadRequest, "task belongs to another project", "PROJECT_MISMATCH")
		return
	}

	payload := map[string]interface{}{}
	if req.Instructions != "" {
		payload["instructions"] = req.Instructions
	}
	if req.EstimatedTokens > 0 {
		payload["estimated_tokens"] = req.EstimatedTokens
	}

	approval, err := h.gate.CreateApproval(ctx, task, ApprovalKindPreExecution, payload)
	if err != nil {
		if errors.Is(err, ErrPendingApprovalExists) {
			h.writeError(w, http.StatusConflict, "task already has a pending approval", "PENDING_EXISTS")
			return
		}
		h.writeInternal(ctx, w, "failed to create approval", err)
		return
	}

	writeJSON(w, http.StatusCreated, ApprovalRequestResponse{
		ApprovalID: approval.ID,
		ExpiresAt:  approval.ExpiresAt,
	})
}

// HandleRespond handles POST /hitl/approve/{approval_id}.
func (h *HITLAPIHandler) HandleRespond(w http.ResponseWriter, r *http.Request, approvalID string) {
	ctx := r.Context()

	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	outcome, err := h.gate.Respond(ctx, approvalID, HITLAction(req.Action), req.UserText)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAction):
			h.writeError(w, http.StatusBadRequest, "action must be approve, reject, or modify", "INVALID_ACTION")
		case errors.Is(err, ErrApprovalNotFound):
			h.writeError(w, http.StatusNotFound, "approval not found", "APPROVAL_NOT_FOUND")
		default:
			h.writeInternal(ctx, w, "failed to resolve approval", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, RespondResponse{
		Status:          string(outcome.Approval.Status),
		WorkflowResumed: outcome.WorkflowResumed,
		AlreadyResolved: outcome.AlreadyResolved,
	})
}

// HandlePending handles GET /hitl/pending?project_id=...
func (h *HITLAPIHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := h.gate.ListPending(ctx, r.URL.Query().Get("project_id"))
	if err != nil {
		h.writeInternal(ctx, w, "failed to list pending approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"count":     len(pending),
	})
}

// HandleStatus handles GET /hitl/status/{approval_id}.
func (h *HITLAPIHandler) HandleStatus(w http.ResponseWriter, r *http.Request, approvalID string) {
	ctx := r.Context()

	approval, err := h.gate.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, ErrApprovalNotFound) {
			h.writeError(w, http.StatusNotFound, "approval not found", "APPROVAL_NOT_FOUND")
			return
		}
		h.writeInternal(ctx, w, "failed to read approval", err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// HandleEmergencyStop handles POST /hitl/emergency-stop.
func (h *HITLAPIHandler) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Scope == "" {
		h.writeError(w, http.StatusBadRequest, "scope is required (project id or \"global\")", "MISSING_SCOPE")
		return
	}

	stop, err := h.gate.ActivateStop(ctx, req.Scope, req.Reason)
	if err != nil {
		h.writeInternal(ctx, w, "failed to activate emergency stop", err)
		return
	}

	writeJSON(w, http.StatusCreated, StopResponse{
		StopID: stop.ID,
		Scope:  stop.Scope,
	})
}

// HandleDeactivateStop handles DELETE /hitl/emergency-stop/{stop_id}.
func (h *HITLAPIHandler) HandleDeactivateStop(w http.ResponseWriter, r *http.Request, stopID string) {
	ctx := r.Context()

	if _, err := h.gate.DeactivateStop(ctx, stopID); err != nil {
		if errors.Is(err, ErrStopNotFound) {
			h.writeError(w, http.StatusNotFound, "emergency stop not found", "STOP_NOT_FOUND")
			return
		}
		h.writeInternal(ctx, w, "failed to deactivate emergency stop", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

// HandleProjectSummary handles GET /hitl/project/{id}/summary.
func (h *HITLAPIHandler) HandleProjectSummary(w http.ResponseWriter, r *http.Request, projectID string) {
	ctx := r.Context()

	summary, err := h.gate.Summary(ctx, projectID)
	if err != nil {
		h.writeInternal(ctx, w, "failed to build project summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleHealth handles GET /hitl/health.
func (h *HITLAPIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Details: map[string]string{}}

	if h.client != nil {
		if err := h.client.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Details["redis"] = err.Error()
		} else {
			resp.Details["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ═══════════════════════════════════════════════════════════════════════════
// Route Registration
// ═══════════════════════════════════════════════════════════════════════════

// RegisterRoutes registers all HITL routes with the mux.
func (h *HITLAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/hitl/request-approval", h.methodGuard(http.MethodPost, h.HandleRequestApproval))
	mux.HandleFunc("/hitl/pending", h.methodGuard(http.MethodGet, h.HandlePending))
	mux.HandleFunc("/hitl/health", h.methodGuard(http.MethodGet, h.HandleHealth))

	mux.HandleFunc("/hitl/approve/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleRespond(w, r, pathTail(r.URL.Path, "/hitl/approve/"))
	})

	mux.HandleFunc("/hitl/status/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleStatus(w, r, pathTail(r.URL.Path, "/hitl/status/"))
	})

	mux.HandleFunc("/hitl/emergency-stop", h.methodGuard(http.MethodPost, h.HandleEmergencyStop))
	mux.HandleFunc("/hitl/emergency-stop/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleDeactivateStop(w, r, pathTail(r.URL.Path, "/hitl/emergency-stop/"))
	})

	mux.HandleFunc("/hitl/project/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/hitl/project/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[1] != "summary" || r.Method != http.MethodGet {
			h.writeError(w, http.StatusNotFound, "unknown route", "NOT_FOUND")
			return
		}
		h.HandleProjectSummary(w, r, parts[0])
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Helper Functions
// ═══════════════════════════════════════════════════════════════════════════

func (h *HITLAPIHandler) methodGuard(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		handler(w, r)
	}
}

func (h *HITLAPIHandler) writeInternal(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if h.logger != nil {
		h.logger.ErrorWithContext(ctx, msg, map[string]interface{}{
			"operation": "hitl-api",
			"error":     err.Error(),
		})
	}
	h.writeError(w, http.StatusInternalServerError, msg, "INTERNAL")
}

func (h *HITLAPIHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// pathTail returns the final path segment after a prefix.
func pathTail(path, prefix string) string {
	tail := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(tail, "/"); idx >= 0 {
		tail = tail[:idx]
	}
	return tail
}
