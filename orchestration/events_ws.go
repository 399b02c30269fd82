// Package orchestration provides the real-time event stream endpoint.
//
// Clients connect to /events (all projects) or /events/{project_id}
// (scoped) over WebSocket. The server pushes one JSON object per
// event; the wire event_id is the persistence sequence number, which
// doubles as the replay cursor. Client messages:
//
//	{"type": "subscribe", "project_id": "..."}  narrow the scope
//	{"type": "replay", "since": <event_id>}     resend persisted events
//	{"type": "ping"}                            liveness probe
//
// A subscriber that cannot keep up is dropped: it receives a final
// {"kind": "resync_required"} frame and must reconnect and replay.
package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/telemetry"
)

const (
	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second

	// wsPongDeadline is how long a client may stay silent. Clients
	// ping at least this often or get disconnected.
	wsPongDeadline = 60 * time.Second
)

// WireEvent is the JSON shape pushed to stream clients.
type WireEvent struct {
	EventID   int64                  `json:"event_id"`
	Kind      string                 `json:"kind"`
	ProjectID string                 `json:"project_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

func toWireEvent(e *Event) WireEvent {
	return WireEvent{
		EventID:   e.Seq,
		Kind:      string(e.Kind),
		ProjectID: e.ProjectID,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
}

// clientMessage is the JSON shape of client-to-server frames.
type clientMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	Since     int64  `json:"since,omitempty"`
}

// EventStreamHandler serves WebSocket event connections.
type EventStreamHandler struct {
	bus      EventBus
	logger   core.Logger
	upgrader websocket.Upgrader
}

// NewEventStreamHandler creates the stream handler.
func NewEventStreamHandler(bus EventBus, logger core.Logger) *EventStreamHandler {
	h := &EventStreamHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The daemon fronts trusted internal clients
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("orchestration/events-ws")
		} else {
			h.logger = logger
		}
	}
	return h
}

// RegisterRoutes registers /events and /events/{project_id}.
func (h *EventStreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, "")
	})
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		projectID := strings.TrimPrefix(r.URL.Path, "/events/")
		if idx := strings.Index(projectID, "/"); idx >= 0 {
			projectID = projectID[:idx]
		}
		h.serve(w, r, projectID)
	})
}

// serve upgrades the connection and runs the read and write pumps
// until either side closes.
func (h *EventStreamHandler) serve(w http.ResponseWriter, r *http.Request, projectID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		return
	}
	defer conn.Close()

	client := &streamClient{
		handler:   h,
		conn:      conn,
		projectID: projectID,
	}
	telemetry.Counter("events.stream.connections", "scope", streamScope(projectID))
	client.run(r.Context())
}

func streamScope(projectID string) string {
	if projectID == "" {
		return "global"
	}
	return "project"
}

// streamClient is one connected event stream consumer.
type streamClient struct {
	handler   *EventStreamHandler
	conn      *websocket.Conn
	projectID string

	// writeMu serializes frames: the event pump, replay responses, and
	// pong replies share the connection.
	writeMu sync.Mutex

	mu  sync.Mutex
	sub *Subscription
}

func (c *streamClient) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.subscribe(c.projectID); err != nil {
		c.logError("Failed to subscribe stream client", err)
		return
	}
	defer c.closeSub()

	go c.writePump(ctx, cancel)
	c.readPump(ctx, cancel)
}

// subscribe (re)binds the client to the bus.
func (c *streamClient) subscribe(projectID string) error {
	sub, err := c.handler.bus.Subscribe(projectID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.sub
	c.sub = sub
	c.projectID = projectID
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (c *streamClient) currentSub() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *streamClient) closeSub() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// writePump pushes subscribed events to the client. When the bus drops
// the subscription for backpressure the channel delivers a final
// resync_required event and closes; the pump forwards it and ends the
// connection so the client reconnects and replays.
func (c *streamClient) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	for {
		sub := c.currentSub()
		if sub == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				// Re-check: a subscribe message swaps the channel
				if c.currentSub() != sub {
					continue
				}
				return
			}
			if err := c.writeJSON(toWireEvent(event)); err != nil {
				return
			}
			if event.Kind == EventResyncRequired {
				return
			}
		}
	}
}

// readPump consumes client messages until the connection dies.
func (c *streamClient) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongDeadline))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongDeadline))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.writeErrorFrame("malformed message")
			continue
		}

		switch msg.Type {
		case "ping":
			if err := c.writeJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}

		case "subscribe":
			if err := c.subscribe(msg.ProjectID); err != nil {
				c.logError("Failed to rescope stream client", err)
				c.writeErrorFrame("subscribe failed")
			}

		case "replay":
			c.replay(ctx, msg.Since)

		default:
			c.writeErrorFrame("unknown message type")
		}
	}
}

// replay resends persisted events after the cursor in order.
func (c *streamClient) replay(ctx context.Context, since int64) {
	c.mu.Lock()
	projectID := c.projectID
	c.mu.Unlock()

	events, err := c.handler.bus.Replay(ctx, projectID, since)
	if err != nil {
		c.logError("Replay failed", err)
		c.writeErrorFrame("replay failed")
		return
	}
	for _, event := range events {
		if err := c.writeJSON(toWireEvent(event)); err != nil {
			return
		}
	}
	telemetry.Counter("events.stream.replays")
}

func (c *streamClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *streamClient) writeErrorFrame(message string) {
	_ = c.writeJSON(map[string]string{"type": "error", "error": message})
}

func (c *streamClient) logError(msg string, err error) {
	if c.handler.logger != nil {
		c.handler.logger.Error(msg, map[string]interface{}{
			"operation": "events-ws",
			"error":     err.Error(),
		})
	}
}
