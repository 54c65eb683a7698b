package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/agent"
	"compass/internal/agent/ports"
	"compass/internal/config"
	"compass/internal/llm"
	"compass/internal/session/memorystore"
	"compass/internal/task"
	"compass/internal/tools"
)

type stubTool struct {
	meta tools.Metadata
	def  ports.ToolDefinition
}

func (s *stubTool) Metadata() tools.Metadata         { return s.meta }
func (s *stubTool) Definition() ports.ToolDefinition { return s.def }
func (s *stubTool) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	return &ports.ToolResult{Content: "ok"}, nil
}

type fixture struct {
	router http.Handler
	mock   *llm.MockClient
	tasks  *task.MemStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mock := llm.NewMockClient()
	sessions := memorystore.New()
	taskStore := task.NewMemStore()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&stubTool{
		meta: tools.Metadata{Name: "search_knowledge"},
		def:  ports.ToolDefinition{Name: "search_knowledge"},
	}))
	require.NoError(t, registry.Register(&stubTool{
		meta: tools.Metadata{Name: "upload_evidence", Mutating: true, RequiredRoles: []string{tools.RoleManager}},
		def: ports.ToolDefinition{
			Name: "upload_evidence",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"control_id": {Type: "string"},
					"name":       {Type: "string"},
				},
				Required: []string{"control_id"},
			},
		},
	}))

	engine := agent.NewEngine(mock, registry, sessions, taskStore, config.AgentConfig{
		MaxIterations:    4,
		ModelCallTimeout: 5 * time.Second,
		HistoryWindow:    40,
		MaxPromptTokens:  24000,
	})

	srv := New(config.ServerConfig{Addr: ":0"}, engine, sessions, taskStore, registry)
	return &fixture{router: srv.Router(), mock: mock, tasks: taskStore}
}

func (f *fixture) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestIdentityRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/sessions", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", "alice", "", map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate ID conflicts.
	rec = f.do(t, http.MethodPost, "/api/sessions", "alice", "", map[string]string{"session_id": "sess-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Another user cannot read it.
	rec = f.do(t, http.MethodGet, "/api/sessions/sess-1", "mallory", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/sess-1", "alice", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/missing", "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/sessions/sess-1", "alice", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("hello from the model")

	rec := f.do(t, http.MethodPost, "/api/sessions", "alice", "", map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/sess-1/messages", "alice", "", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var reply ports.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, ports.RoleAssistant, reply.Role)
	assert.Equal(t, "hello from the model", reply.Content)

	rec = f.do(t, http.MethodPost, "/api/sessions/sess-1/messages", "alice", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolVisibilityPerRole(t *testing.T) {
	f := newFixture(t)

	names := func(rec *httptest.ResponseRecorder) []string {
		var body struct {
			Tools []ports.ToolDefinition `json:"tools"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		var out []string
		for _, d := range body.Tools {
			out = append(out, d.Name)
		}
		return out
	}

	rec := f.do(t, http.MethodGet, "/api/tools", "alice", tools.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"search_knowledge"}, names(rec))

	rec = f.do(t, http.MethodGet, "/api/tools", "alice", tools.RoleManager, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"search_knowledge", "upload_evidence"}, names(rec))
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t)

	// Auditors cannot enqueue a manager-only task type.
	rec := f.do(t, http.MethodPost, "/api/tasks", "alice", tools.RoleAuditor, map[string]any{
		"type": "upload_evidence",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Payloads failing the tool schema never become rows.
	rec = f.do(t, http.MethodPost, "/api/tasks", "alice", tools.RoleManager, map[string]any{
		"type":    "upload_evidence",
		"payload": map[string]any{"control_id": "AC-2", "bogus_field": 1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bogus_field")

	rec = f.do(t, http.MethodPost, "/api/tasks", "alice", tools.RoleManager, map[string]any{
		"type":    "upload_evidence",
		"payload": map[string]string{"control_id": "AC-2", "name": "export"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, task.StatusPending, created.Status)

	rec = f.do(t, http.MethodGet, "/api/tasks/99999", "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/tasks/1/cancel", "alice", tools.RoleManager, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelled task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, task.StatusCancelled, cancelled.Status)
}

func TestTaskOwnershipGating(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", "alice", "", map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Creating a task into someone else's session is refused.
	rec = f.do(t, http.MethodPost, "/api/tasks", "mallory", tools.RoleManager, map[string]any{
		"session_id": "sess-1",
		"type":       "upload_evidence",
		"payload":    map[string]string{"control_id": "AC-2"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/tasks", "alice", tools.RoleManager, map[string]any{
		"session_id": "sess-1",
		"type":       "upload_evidence",
		"payload":    map[string]string{"control_id": "AC-2"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	taskPath := "/api/tasks/" + strconv.FormatInt(created.ID, 10)

	// Session-bound tasks are invisible to non-owners.
	rec = f.do(t, http.MethodGet, taskPath, "mallory", tools.RoleManager, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, taskPath+"/cancel", "mallory", tools.RoleManager, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The owner still can.
	rec = f.do(t, http.MethodGet, taskPath, "alice", tools.RoleManager, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, taskPath+"/cancel", "alice", tools.RoleManager, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
