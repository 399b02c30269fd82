// Package orchestration provides the in-process event fan-out.
//
// The bus persists every event through its EventLog before any
// subscriber sees it (commit before broadcast), then delivers to each
// matching subscriber's bounded queue. Publication never blocks on a
// slow subscriber: a subscriber whose queue reaches the high-water mark
// is dropped, receives a final resync_required signal, and must replay
// from its last seen sequence number.
package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/telemetry"
)

// Subscription is a cancellable handle to an event stream.
type Subscription struct {
	// ID identifies the subscription for logging.
	ID string

	// ProjectID is the subscribed scope; empty means all projects.
	ProjectID string

	ch      chan *Event
	bus     *Bus
	once    sync.Once
	dropped bool
}

// Events returns the delivery channel. The channel is closed when the
// subscription is cancelled or dropped for backpressure; in the dropped
// case the final event before close is EventResyncRequired.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Close cancels the subscription and closes the delivery channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s, false)
}

// Bus is the default EventBus implementation.
type Bus struct {
	log    EventLog
	logger core.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscription

	// queueHighWater is the per-subscriber outstanding event limit.
	queueHighWater int
}

// BusOption configures the bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger for fan-out operations.
func WithBusLogger(logger core.Logger) BusOption {
	return func(b *Bus) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			b.logger = cal.WithComponent("orchestration/events")
		} else {
			b.logger = logger
		}
	}
}

// WithQueueHighWater overrides the default 1024 outstanding-event limit.
func WithQueueHighWater(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueHighWater = n
		}
	}
}

// NewBus creates an event bus backed by the given log.
func NewBus(log EventLog, opts ...BusOption) *Bus {
	b := &Bus{
		log:            log,
		subscribers:    make(map[string]*Subscription),
		queueHighWater: 1024,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ EventBus = (*Bus)(nil)

// Publish persists the event, then fans it out to matching subscribers
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event == nil || event.Kind == "" {
		return fmt.Errorf("event kind is required: %w", core.ErrInvalidTask)
	}

	if err := b.log.Append(ctx, event); err != nil {
		return err
	}
	telemetry.Counter("events.published", "kind", string(event.Kind))

	b.mu.RLock()
	var overflowed []*Subscription
	for _, sub := range b.subscribers {
		if sub.ProjectID != "" && sub.ProjectID != event.ProjectID {
			continue
		}
		// Queue capacity is highWater+1; the spare slot is reserved
		// for the resync signal so the drop path never blocks either.
		if len(sub.ch) >= b.queueHighWater {
			overflowed = append(overflowed, sub)
			continue
		}
		select {
		case sub.ch <- event:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		b.unsubscribe(sub, true)
	}
	return nil
}

// Subscribe registers a channel-based subscriber
func (b *Bus) Subscribe(projectID string) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		ch:        make(chan *Event, b.queueHighWater+1),
		bus:       b,
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	telemetry.Gauge("events.subscribers.active", float64(count))
	if b.logger != nil {
		b.logger.Debug("Subscriber registered", map[string]interface{}{
			"operation":       "events.Subscribe",
			"subscription_id": sub.ID,
			"project_id":      projectID,
		})
	}
	return sub, nil
}

// SubscribeFunc registers a handler-based subscriber. The handler runs
// on a dedicated delivery goroutine; panics are recovered and logged.
func (b *Bus) SubscribeFunc(projectID string, handler EventHandler) (*Subscription, error) {
	sub, err := b.Subscribe(projectID)
	if err != nil {
		return nil, err
	}

	go func() {
		for event := range sub.ch {
			b.deliver(sub, handler, event)
		}
	}()
	return sub, nil
}

func (b *Bus) deliver(sub *Subscription, handler EventHandler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("Event handler panic", map[string]interface{}{
					"operation":       "events.deliver",
					"subscription_id": sub.ID,
					"kind":            string(event.Kind),
					"panic":           fmt.Sprintf("%v", r),
					"stack":           string(debug.Stack()),
				})
			}
		}
	}()
	handler(event)
}

// Replay returns a project's persisted events after sinceSeq
func (b *Bus) Replay(ctx context.Context, projectID string, sinceSeq int64) ([]*Event, error) {
	return b.log.Replay(ctx, projectID, sinceSeq)
}

// unsubscribe removes the subscriber. When dropped for backpressure a
// final resync signal is queued before the channel closes.
func (b *Bus) unsubscribe(sub *Subscription, dropped bool) {
	b.mu.Lock()
	_, present := b.subscribers[sub.ID]
	delete(b.subscribers, sub.ID)
	count := len(b.subscribers)
	b.mu.Unlock()

	if !present {
		return
	}
	telemetry.Gauge("events.subscribers.active", float64(count))

	sub.once.Do(func() {
		if dropped {
			sub.dropped = true
			telemetry.Counter("events.subscribers.dropped")
			if b.logger != nil {
				b.logger.Warn("Subscriber dropped for backpressure", map[string]interface{}{
					"operation":        "events.unsubscribe",
					"subscription_id":  sub.ID,
					"project_id":       sub.ProjectID,
					"queue_high_water": b.queueHighWater,
				})
			}
			select {
			case sub.ch <- &Event{Kind: EventResyncRequired, ProjectID: sub.ProjectID}:
			default:
			}
		}
		close(sub.ch)
	})
}
