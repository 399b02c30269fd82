// Package orchestration provides the event fabric types.
//
// Every state change in the core produces an Event. Events serve two
// purposes at once: they are the append-only audit trail, and they are
// the live broadcast stream pushed to subscribed clients. Events are
// totally ordered within a project by sequence number; across projects
// no ordering is guaranteed.
package orchestration

import (
	"context"
	"time"
)

// EventKind identifies the type of state change an event records.
type EventKind string

// Event kinds emitted by the orchestration core.
const (
	EventProjectCreated EventKind = "project.created"

	EventWorkflowStarted       EventKind = "workflow.started"
	EventWorkflowStepStarted   EventKind = "workflow.step_started"
	EventWorkflowStepCompleted EventKind = "workflow.step_completed"
	EventWorkflowCompleted     EventKind = "workflow.completed"
	EventWorkflowFailed        EventKind = "workflow.failed"
	EventWorkflowPaused        EventKind = "workflow.paused"
	EventWorkflowResumed       EventKind = "workflow.resumed"
	EventWorkflowPhaseChanged  EventKind = "workflow.phase_changed"

	EventTaskCreated   EventKind = "task.created"
	EventTaskStarted   EventKind = "task.started"
	EventTaskProgress  EventKind = "task.progress"
	EventTaskCompleted EventKind = "task.completed"
	EventTaskFailed    EventKind = "task.failed"
	EventTaskCancelled EventKind = "task.cancelled"

	EventArtifactCreated EventKind = "artifact.created"

	EventHITLRequested EventKind = "hitl.requested"
	EventHITLResponded EventKind = "hitl.responded"
	EventHITLExpired   EventKind = "hitl.expired"

	EventEmergencyStopActivated   EventKind = "emergency_stop.activated"
	EventEmergencyStopDeactivated EventKind = "emergency_stop.deactivated"

	EventCounterDecremented EventKind = "counter.decremented"
	EventCounterExhausted   EventKind = "counter.exhausted"
	EventCounterRefilled    EventKind = "counter.refilled"

	EventPolicyViolation EventKind = "policy.violation"

	// EventResyncRequired is a control signal, not an audit record.
	// It is delivered to a subscriber that was dropped for backpressure
	// and must replay to recover.
	EventResyncRequired EventKind = "resync_required"
)

// Event is an immutable audit record and broadcast message.
type Event struct {
	// ID is the event's UUID, unique across the process.
	ID string `json:"id"`

	// Seq is the global sequence number assigned at persistence time.
	// Events within a project are totally ordered by Seq; it is also
	// the replay cursor exposed to clients as event_id.
	Seq int64 `json:"seq"`

	// ProjectID scopes the event. Empty only for control signals.
	ProjectID string `json:"project_id,omitempty"`

	Kind      EventKind              `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// TaskID returns the task_id payload field, if present. Audit queries
// filter on it.
func (e *Event) TaskID() string {
	if e.Payload == nil {
		return ""
	}
	if id, ok := e.Payload["task_id"].(string); ok {
		return id
	}
	return ""
}

// AuditQuery filters the persisted event log. Zero-value fields match
// everything.
type AuditQuery struct {
	ProjectID string
	TaskID    string
	Kind      EventKind
	Since     time.Time
	Until     time.Time

	// Limit caps the result size. Zero means the store default (100).
	Limit int

	// AfterSeq resumes a paginated scan past the given sequence number.
	AfterSeq int64
}

// Matches reports whether the event passes the query filters other than
// pagination.
func (q AuditQuery) Matches(e *Event) bool {
	if q.ProjectID != "" && e.ProjectID != q.ProjectID {
		return false
	}
	if q.TaskID != "" && e.TaskID() != q.TaskID {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// EventLog is the persistence half of the event fabric. Append assigns
// the sequence number; the log must be durable before Append returns.
type EventLog interface {
	// Append persists the event, assigning Seq and, if missing, ID and
	// Timestamp.
	Append(ctx context.Context, event *Event) error

	// Replay returns a project's events with Seq greater than sinceSeq,
	// ordered by Seq ascending. sinceSeq 0 replays from the beginning.
	Replay(ctx context.Context, projectID string, sinceSeq int64) ([]*Event, error)

	// Query returns events matching the audit query, ordered by Seq
	// ascending.
	Query(ctx context.Context, query AuditQuery) ([]*Event, error)
}

// EventHandler consumes delivered events. Handlers run on dedicated
// delivery goroutines; a panicking handler is logged and does not
// affect other subscribers.
type EventHandler func(event *Event)

// EventBus is the fan-out half of the event fabric.
//
// Delivery is at-least-once per subscriber with per-subscriber ordering
// by Seq. A backpressured subscriber is dropped after its outstanding
// queue exceeds the configured high-water mark; it receives a final
// EventResyncRequired signal and must Replay to recover.
type EventBus interface {
	// Publish persists the event and fans it out to matching
	// subscribers. Slow subscribers never stall the publisher.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a subscriber. Empty projectID subscribes to
	// all projects. The returned subscription's channel is closed when
	// the subscriber is dropped or cancelled.
	Subscribe(projectID string) (*Subscription, error)

	// SubscribeFunc registers a handler-based subscriber backed by a
	// delivery goroutine.
	SubscribeFunc(projectID string, handler EventHandler) (*Subscription, error)

	// Replay returns a project's persisted events after sinceSeq.
	Replay(ctx context.Context, projectID string, sinceSeq int64) ([]*Event, error)
}

// NewEvent builds an event for publication. Seq is assigned by the log.
func NewEvent(projectID string, kind EventKind, payload map[string]interface{}) *Event {
	return &Event{
		ProjectID: projectID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
