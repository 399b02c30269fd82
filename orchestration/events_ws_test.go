package orchestration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newStreamServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewEventStreamHandler(env.bus, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWireEvent(t *testing.T, conn *websocket.Conn) *WireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event WireEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("failed to read wire event: %v", err)
	}
	return &event
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	srv := newStreamServer(t, env)
	conn := dialStream(t, srv, "/events")

	// The subscription races the publish; settle the handshake first.
	time.Sleep(50 * time.Millisecond)

	err := env.bus.Publish(context.Background(), NewEvent("proj-1", EventTaskCreated, map[string]interface{}{
		"task_id": "task-1",
	}))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	event := readWireEvent(t, conn)
	if event.Kind != string(EventTaskCreated) || event.ProjectID != "proj-1" {
		t.Errorf("unexpected event: %+v", event)
	}
	if event.EventID == 0 {
		t.Error("wire event should carry the persistence sequence")
	}
	if event.Payload["task_id"] != "task-1" {
		t.Errorf("payload lost: %+v", event.Payload)
	}
}

func TestEventStreamProjectScope(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	srv := newStreamServer(t, env)
	conn := dialStream(t, srv, "/events/proj-1")
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	if err := env.bus.Publish(ctx, NewEvent("proj-2", EventTaskCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := env.bus.Publish(ctx, NewEvent("proj-1", EventTaskCompleted, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Only the scoped project's event arrives.
	event := readWireEvent(t, conn)
	if event.ProjectID != "proj-1" || event.Kind != string(EventTaskCompleted) {
		t.Errorf("scope leaked a foreign event: %+v", event)
	}
}

func TestEventStreamPing(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	srv := newStreamServer(t, env)
	conn := dialStream(t, srv, "/events")

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("failed to write ping: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply map[string]string
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("failed to read pong: %v", err)
	}
	if reply["type"] != "pong" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestEventStreamReplay(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	ctx := context.Background()
	for _, kind := range []EventKind{EventTaskCreated, EventTaskStarted, EventTaskCompleted} {
		if err := env.bus.Publish(ctx, NewEvent("proj-1", kind, nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	srv := newStreamServer(t, env)
	conn := dialStream(t, srv, "/events/proj-1")

	if err := conn.WriteJSON(map[string]interface{}{"type": "replay", "since": 0}); err != nil {
		t.Fatalf("failed to request replay: %v", err)
	}

	var kinds []string
	var lastSeq int64
	for i := 0; i < 3; i++ {
		event := readWireEvent(t, conn)
		kinds = append(kinds, event.Kind)
		if event.EventID <= lastSeq {
			t.Errorf("replay out of order: %d after %d", event.EventID, lastSeq)
		}
		lastSeq = event.EventID
	}
	if kinds[0] != string(EventTaskCreated) || kinds[2] != string(EventTaskCompleted) {
		t.Errorf("unexpected replay sequence: %v", kinds)
	}

	// A cursor resumes mid-stream.
	if err := conn.WriteJSON(map[string]interface{}{"type": "replay", "since": lastSeq - 1}); err != nil {
		t.Fatalf("failed to request replay: %v", err)
	}
	event := readWireEvent(t, conn)
	if event.EventID != lastSeq {
		t.Errorf("resumed replay should start after the cursor, got %d", event.EventID)
	}
}

func TestEventStreamRescope(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	srv := newStreamServer(t, env)
	conn := dialStream(t, srv, "/events/proj-1")
	time.Sleep(50 * time.Millisecond)

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "project_id": "proj-2"}); err != nil {
		t.Fatalf("failed to rescope: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	if err := env.bus.Publish(ctx, NewEvent("proj-1", EventTaskCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := env.bus.Publish(ctx, NewEvent("proj-2", EventTaskCompleted, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	event := readWireEvent(t, conn)
	if event.ProjectID != "proj-2" {
		t.Errorf("rescope did not take effect: %+v", event)
	}
}

func TestEventStreamRejectsUnknownMessage(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	srv := newStreamServer(t, env)
	conn := dialStream(t, srv, "/events")

	if err := conn.WriteJSON(map[string]string{"type": "shout"}); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply map[string]string
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("failed to read error frame: %v", err)
	}
	if reply["type"] != "error" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}
