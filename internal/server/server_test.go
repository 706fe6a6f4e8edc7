package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/eventbus"
	"loom/internal/llm"
	"loom/internal/orchestrator"
	"loom/internal/task"
	"loom/internal/token"
)

type fixture struct {
	server *Server
	orch   *orchestrator.Orchestrator
	bus    *eventbus.Bus
	mock   *llm.MockClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := llm.NewMockClient()
	bus := eventbus.New(256, 256)
	orch := orchestrator.New(orchestrator.Options{
		Config:  orchestrator.DefaultConfig(),
		Store:   task.NewMemoryStore(),
		Bus:     bus,
		Client:  mock,
		Counter: token.NewCounter(0),
	})
	srv := New(Config{Host: "127.0.0.1", Port: 0}, orch, bus, nil)
	return &fixture{server: srv, orch: orch, bus: bus, mock: mock}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (f *fixture) createTask(t *testing.T, body map[string]any) string {
	t.Helper()
	if _, ok := body["start"]; !ok {
		body["start"] = false
	}
	rec := f.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode(t, rec)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	return data["task_id"].(string)
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"description": "index the corpus",
		"priority":    "high",
		"start":       false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode(t, rec)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.NotEmpty(t, data["task_id"])
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, float64(0), data["progress"])
}

func TestCreateTaskMissingDescription(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"priority": "low"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, decode(t, rec).Success)
}

func TestGetTask(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, map[string]any{"description": "look me up"})

	rec := f.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]any)
	assert.Equal(t, id, data["task_id"])
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, map[string]any{"description": "one"})
	f.createTask(t, map[string]any{"description": "two"})

	rec := f.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec).Data.([]any)
	assert.Len(t, list, 2)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, map[string]any{"description": "cancel me"})

	rec := f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]any)
	assert.Equal(t, "cancelled", data["status"])

	// Cancelling a terminal task is rejected.
	rec = f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, map[string]any{"description": "tracked"})

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, float64(1), data["total_tasks"])
	assert.Equal(t, float64(0), data["active_tasks"])
	assert.NotEmpty(t, data["timestamp"])
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, map[string]any{"description": "emits created"})

	rec := f.do(t, http.MethodGet, "/api/events?type=task&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec).Data.([]any)
	require.NotEmpty(t, events)
	last := events[len(events)-1].(map[string]any)
	assert.Equal(t, "created", last["kind"])

	rec = f.do(t, http.MethodGet, "/api/events?limit=oops", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestTaskStreamWebSocket(t *testing.T) {
	f := newFixture(t)
	f.mock.Default.Content = "stream result"
	id := f.createTask(t, map[string]any{"description": "watch me run"})

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tasks/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the pending snapshot.
	var first wsEnvelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Event)

	go func() {
		_ = f.orch.Execute(context.Background(), id)
	}()

	// Relay frames until the terminal event arrives.
	deadline := time.Now().Add(5 * time.Second)
	var kinds []string
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame wsEnvelope
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("stream ended before terminal event (saw %v): %v", kinds, err)
		}
		kinds = append(kinds, frame.Event)
		if frame.Event == "completed" {
			break
		}
	}
	assert.Contains(t, kinds, "started")
	assert.Contains(t, fmt.Sprint(kinds), "progress")

	// After the terminal frame the server closes the socket.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var extra wsEnvelope
	err = conn.ReadJSON(&extra)
	assert.Error(t, err, "socket should close after the terminal event")
}

func TestTaskStreamTerminalSnapshotCloses(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, map[string]any{"description": "already over"})
	rec := f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tasks/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// A task that finished before the dial yields its terminal snapshot and
	// then an orderly close, never a hung socket.
	var first wsEnvelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Event)
	data := first.Data.(map[string]any)
	assert.Equal(t, "cancelled", data["status"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var extra wsEnvelope
	assert.Error(t, conn.ReadJSON(&extra), "socket should close after a terminal snapshot")
}

func TestTaskStreamUnknownTask(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/tasks/ghost/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
