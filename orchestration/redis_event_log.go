// Package orchestration provides the Redis-backed event log.
//
// Storage layout (under the client's namespace):
//   - events:seq                      global sequence counter (INCR)
//   - events:all                      ZSET of event JSON scored by Seq
//   - events:project:{project_id}     ZSET of event JSON scored by Seq
//
// Sequence assignment through a single INCR gives the total order the
// replay contract requires. Retention is enforced with a TTL refreshed
// on every append; expired projects simply lose replayability, the
// fan-out path is unaffected.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/core"
)

const defaultAuditLimit = 100

// RedisEventLog is the production EventLog implementation.
type RedisEventLog struct {
	client       *core.RedisClient
	logger       core.Logger
	retentionTTL time.Duration
}

// RedisEventLogOption configures the log.
type RedisEventLogOption func(*RedisEventLog)

// WithEventLogLogger sets the logger for event log operations.
func WithEventLogLogger(logger core.Logger) RedisEventLogOption {
	return func(l *RedisEventLog) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			l.logger = cal.WithComponent("orchestration/events")
		} else {
			l.logger = logger
		}
	}
}

// WithEventRetention overrides the default 7 day replay retention.
func WithEventRetention(ttl time.Duration) RedisEventLogOption {
	return func(l *RedisEventLog) {
		if ttl > 0 {
			l.retentionTTL = ttl
		}
	}
}

// NewRedisEventLog creates a Redis-backed event log.
func NewRedisEventLog(client *core.RedisClient, opts ...RedisEventLogOption) *RedisEventLog {
	l := &RedisEventLog{
		client:       client,
		retentionTTL: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ EventLog = (*RedisEventLog)(nil)

func (l *RedisEventLog) seqKey() string {
	return l.client.FormatKey("events:seq")
}

func (l *RedisEventLog) allKey() string {
	return l.client.FormatKey("events:all")
}

func (l *RedisEventLog) projectKey(projectID string) string {
	return l.client.FormatKey("events:project:" + projectID)
}

// Append persists the event and assigns its sequence number
func (l *RedisEventLog) Append(ctx context.Context, event *Event) error {
	rdb := l.client.Client()

	seq, err := rdb.Incr(ctx, l.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to assign event sequence: %w", core.ErrStorageUnavailable)
	}

	event.Seq = seq
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	member := &redis.Z{Score: float64(seq), Member: string(data)}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, l.allKey(), member)
		pipe.Expire(ctx, l.allKey(), l.retentionTTL)
		if event.ProjectID != "" {
			pipe.ZAdd(ctx, l.projectKey(event.ProjectID), member)
			pipe.Expire(ctx, l.projectKey(event.ProjectID), l.retentionTTL)
		}
		return nil
	})
	if err != nil {
		if l.logger != nil {
			l.logger.ErrorWithContext(ctx, "Failed to persist event", map[string]interface{}{
				"operation":  "events.Append",
				"project_id": event.ProjectID,
				"kind":       string(event.Kind),
				"error":      err.Error(),
			})
		}
		return fmt.Errorf("failed to persist event (check Redis connectivity): %w", core.ErrStorageUnavailable)
	}
	return nil
}

// Replay returns a project's events after sinceSeq, ordered by Seq
func (l *RedisEventLog) Replay(ctx context.Context, projectID string, sinceSeq int64) ([]*Event, error) {
	key := l.allKey()
	if projectID != "" {
		key = l.projectKey(projectID)
	}
	return l.rangeBySeq(ctx, key, sinceSeq, 0)
}

// Query returns events matching the audit query, ordered by Seq
func (l *RedisEventLog) Query(ctx context.Context, query AuditQuery) ([]*Event, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	key := l.allKey()
	if query.ProjectID != "" {
		key = l.projectKey(query.ProjectID)
	}

	// Scan forward in pages so post-filtering (kind, task, time range)
	// still honors the limit without loading the whole log.
	cursor := query.AfterSeq
	var result []*Event
	for {
		page, err := l.rangeBySeq(ctx, key, cursor, int64(limit))
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return result, nil
		}
		for _, e := range page {
			cursor = e.Seq
			if !query.Matches(e) {
				continue
			}
			result = append(result, e)
			if len(result) >= limit {
				return result, nil
			}
		}
	}
}

func (l *RedisEventLog) rangeBySeq(ctx context.Context, key string, afterSeq, count int64) ([]*Event, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", afterSeq),
		Max: "+inf",
	}
	if count > 0 {
		opt.Count = count
	}

	raw, err := l.client.Client().ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", core.ErrStorageUnavailable)
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			if l.logger != nil {
				l.logger.Warn("Skipping undecodable event", map[string]interface{}{
					"operation": "events.rangeBySeq",
					"error":     err.Error(),
				})
			}
			continue
		}
		events = append(events, &e)
	}
	return events, nil
}
