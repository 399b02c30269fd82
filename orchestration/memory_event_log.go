package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEventLog is an in-memory EventLog for tests and single-process
// development.
type MemoryEventLog struct {
	mu     sync.RWMutex
	seq    int64
	events []*Event
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

var _ EventLog = (*MemoryEventLog)(nil)

// Append persists the event and assigns its sequence number
func (l *MemoryEventLog) Append(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	event.Seq = l.seq
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	copied := *event
	l.events = append(l.events, &copied)
	return nil
}

// Replay returns a project's events after sinceSeq, ordered by Seq
func (l *MemoryEventLog) Replay(ctx context.Context, projectID string, sinceSeq int64) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*Event
	for _, e := range l.events {
		if e.Seq <= sinceSeq {
			continue
		}
		if projectID != "" && e.ProjectID != projectID {
			continue
		}
		copied := *e
		result = append(result, &copied)
	}
	return result, nil
}

// Query returns events matching the audit query, ordered by Seq
func (l *MemoryEventLog) Query(ctx context.Context, query AuditQuery) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	var result []*Event
	for _, e := range l.events {
		if e.Seq <= query.AfterSeq {
			continue
		}
		if !query.Matches(e) {
			continue
		}
		copied := *e
		result = append(result, &copied)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
