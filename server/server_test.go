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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/engine"
	"github.com/waypointhq/waypoint/logging"
)

const testGraph = `{
  "default": "main",
  "behaviours": [
    {"name": "main", "actions": [
      [["workflow_interaction", {"userdata": ["text", "hi there"]}]]
    ]}
  ]
}`

const reloadedGraph = `{
  "default": "main",
  "behaviours": [
    {"name": "main", "actions": [
      [["workflow_interaction", {"userdata": ["text", "updated"]}]]
    ]}
  ]
}`

type fakeStore struct {
	graph *core.BehaviourGraph
	err   error
}

func (f *fakeStore) LoadGraph(context.Context, string) (*core.BehaviourGraph, error) {
	return f.graph, f.err
}

func (f *fakeStore) LoadKnowledge(context.Context, string) (map[string]any, error) {
	return map[string]any{}, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	graph, err := core.ParseBehaviourGraph([]byte(testGraph))
	require.NoError(t, err)

	reloaded, err := core.ParseBehaviourGraph([]byte(reloadedGraph))
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{
		Graph: graph,
		Store: &fakeStore{graph: reloaded},
	})
	require.NoError(t, err)
	return New(cfg, eng, logging.NoOpLogger{})
}

func doJSON(t *testing.T, router http.Handler, method, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(&closeNotifyRecorder{rec, make(chan bool, 1)}, req)
	return rec
}

// closeNotifyRecorder adds the http.CloseNotifier method gin's streaming
// writer requires, which httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, Config{SkipAuth: true})
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthcheck", nil, nil)

	assert.Equal(t, 200, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Welcome to the HealthCheck Service!", body["result"])
}

func TestMessageRequiresAPIKey(t *testing.T) {
	s := newTestServer(t, Config{ProjectAccessKey: "secret"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/atlas/message",
		map[string]any{"uid": "u1", "name": "Sam"}, nil)
	assert.Equal(t, 401, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/atlas/message",
		map[string]any{"uid": "u1", "name": "Sam", "data": map[string]any{"message": "hello"}},
		map[string]string{APIKeyHeader: "secret"})
	assert.Equal(t, 200, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "hi there", body["response"])
	assert.NotEmpty(t, body["activity_id"])
}

func TestMessageRejectsBrokenPayload(t *testing.T) {
	s := newTestServer(t, Config{SkipAuth: true})
	req := httptest.NewRequest(http.MethodPost, "/atlas/message", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)
}

func TestRemoteCallbackFlow(t *testing.T) {
	s := newTestServer(t, Config{SkipAuth: true})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/remote_callback", map[string]any{
		"success": true, "access_key": "x", "uid": "ghost", "method": "m", "data": "d",
	}, nil)
	assert.Equal(t, 400, rec.Code)

	turn := doJSON(t, router, http.MethodPost, "/atlas/message",
		map[string]any{"uid": "u1", "name": "Sam", "data": map[string]any{"message": "hello"}}, nil)
	activityID := decodeBody(t, turn)["activity_id"].(string)
	require.NotEmpty(t, activityID)

	rec = doJSON(t, router, http.MethodPost, "/remote_callback", map[string]any{
		"success": true, "access_key": "wrong", "uid": "u1", "method": "m", "data": "d",
	}, nil)
	assert.Equal(t, 400, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/remote_callback", map[string]any{
		"success": true, "access_key": activityID, "uid": "u1", "method": "m",
		"data": map[string]any{"k": "v"},
	}, nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "success", decodeBody(t, rec)["status"])
}

func TestBackendOperationGating(t *testing.T) {
	disabled := newTestServer(t, Config{SkipAuth: true})
	rec := doJSON(t, disabled.Router(), http.MethodPost, "/backend_operation",
		map[string]any{"admin_key": "k", "command": "load"}, nil)
	assert.Equal(t, 404, rec.Code)

	s := newTestServer(t, Config{
		SkipAuth:                true,
		BackendOperationEnabled: true,
		SystemAdminKey:          "admin",
		Behaviour:               "stories",
	})
	router := s.Router()

	rec = doJSON(t, router, http.MethodPost, "/backend_operation",
		map[string]any{"admin_key": "nope", "command": "load"}, nil)
	assert.Equal(t, 400, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/backend_operation",
		map[string]any{"admin_key": "admin", "command": "load"}, nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, engine.ReloadOK, decodeBody(t, rec)["message"])

	rec = doJSON(t, router, http.MethodPost, "/backend_operation",
		map[string]any{"admin_key": "admin", "command": "reboot"}, nil)
	assert.Equal(t, 400, rec.Code)
}

func TestCodeUpdateOnlyInDevMode(t *testing.T) {
	prod := newTestServer(t, Config{SkipAuth: true})
	rec := doJSON(t, prod.Router(), http.MethodPost, "/codeupdate",
		map[string]any{"jsonCode": reloadedGraph}, nil)
	assert.Equal(t, 404, rec.Code)

	dev := newTestServer(t, Config{SkipAuth: true, DevMode: true})
	router := dev.Router()

	rec = doJSON(t, router, http.MethodPost, "/codeupdate",
		map[string]any{"jsonCode": reloadedGraph}, nil)
	assert.Equal(t, 200, rec.Code)

	after := doJSON(t, router, http.MethodPost, "/atlas/message",
		map[string]any{"uid": "u1", "name": "Sam", "data": map[string]any{"message": "hello"}}, nil)
	assert.Equal(t, "updated", decodeBody(t, after)["response"])

	rec = doJSON(t, router, http.MethodPost, "/codeupdate",
		map[string]any{"jsonCode": "{broken"}, nil)
	assert.Equal(t, 400, rec.Code)
}

func TestDevStreamSlot(t *testing.T) {
	s := newTestServer(t, Config{SkipAuth: true, DevMode: true})
	router := s.Router()

	rec := doJSON(t, router, http.MethodGet, "/dev/stream", nil, nil)
	assert.Equal(t, 404, rec.Code)

	ch := make(chan string, 2)
	ch <- "hel"
	ch <- "lo"
	close(ch)
	s.mu.Lock()
	s.devStream = core.NewDataStream(ch)
	s.mu.Unlock()

	rec = doJSON(t, router, http.MethodGet, "/dev/stream", nil, nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Contains(t, rec.Body.String(), "data: hel")
	assert.Contains(t, rec.Body.String(), "data: lo")

	rec = doJSON(t, router, http.MethodGet, "/dev/stream", nil, nil)
	assert.Equal(t, 404, rec.Code)
}

func TestRemoteCallbackURL(t *testing.T) {
	assert.Equal(t, "https://bot.example.com/remote_callback",
		RemoteCallbackURL("https://bot.example.com", 8081))
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/remote_callback", 9000),
		RemoteCallbackURL("", 9000))
}
