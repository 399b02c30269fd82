// Package orchestration provides the audit trail HTTP endpoint.
//
//   - GET /audit/events?project_id=&task_id=&kind=&since=&until=&limit=&after=
//
// Results are ordered by sequence ascending. The "after" cursor is the
// seq of the last event seen; passing it resumes a paginated scan.
package orchestration

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ensembleworks/ensemble/core"
)

// AuditAPIHandler serves the persisted event log.
type AuditAPIHandler struct {
	log    EventLog
	logger core.Logger
}

// NewAuditAPIHandler creates a new audit API handler.
func NewAuditAPIHandler(log EventLog, logger core.Logger) *AuditAPIHandler {
	h := &AuditAPIHandler{log: log, logger: logger}
	if h.logger != nil {
		if cal, ok := h.logger.(core.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("orchestration/audit-api")
		}
	}
	return h
}

// AuditEventsResponse is the paginated event list.
type AuditEventsResponse struct {
	Events []*Event `json:"events"`
	Count  int      `json:"count"`

	// NextAfter is the cursor for the next page; zero when this page
	// was not full.
	NextAfter int64 `json:"next_after,omitempty"`
}

// HandleEvents handles GET /audit/events.
func (h *AuditAPIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	query := AuditQuery{
		ProjectID: q.Get("project_id"),
		TaskID:    q.Get("task_id"),
		Kind:      EventKind(q.Get("kind")),
	}

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, "since must be RFC 3339", "INVALID_SINCE")
			return
		}
		query.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, "until must be RFC 3339", "INVALID_UNTIL")
			return
		}
		query.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, "limit must be a positive integer", "INVALID_LIMIT")
			return
		}
		query.Limit = n
	}
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.writeError(w, "after must be a non-negative integer", "INVALID_AFTER")
			return
		}
		query.AfterSeq = n
	}

	events, err := h.log.Query(ctx, query)
	if err != nil {
		if h.logger != nil {
			h.logger.ErrorWithContext(ctx, "Audit query failed", map[string]interface{}{
				"operation": "audit-api.HandleEvents",
				"error":     err.Error(),
			})
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "failed to query events", Code: "INTERNAL",
		})
		return
	}

	resp := AuditEventsResponse{Events: events, Count: len(events)}
	if query.Limit > 0 && len(events) == query.Limit {
		resp.NextAfter = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterRoutes registers the audit routes with the mux.
func (h *AuditAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/audit/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
				Error: "method not allowed", Code: "METHOD_NOT_ALLOWED",
			})
			return
		}
		h.HandleEvents(w, r)
	})
}

func (h *AuditAPIHandler) writeError(w http.ResponseWriter, message, code string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: code})
}
