package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/agent/ports"
	"compass/internal/config"
	"compass/internal/errors"
	"compass/internal/llm"
	"compass/internal/session/memorystore"
	"compass/internal/task"
	"compass/internal/tools"
)

type stubTool struct {
	meta tools.Metadata
	def  ports.ToolDefinition
	fn   func(ctx context.Context, args map[string]any) (*ports.ToolResult, error)
}

func (s *stubTool) Metadata() tools.Metadata         { return s.meta }
func (s *stubTool) Definition() ports.ToolDefinition { return s.def }
func (s *stubTool) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	return s.fn(ctx, args)
}

type engineFixture struct {
	engine    *Engine
	mock      *llm.MockClient
	sessions  *memorystore.Store
	tasks     *task.MemStore
	sessionID string
}

func newFixture(t *testing.T, maxIterations int) *engineFixture {
	t.Helper()

	mock := llm.NewMockClient()
	sessions := memorystore.New()
	tasks := task.NewMemStore()
	registry := tools.NewRegistry()

	require.NoError(t, registry.Register(&stubTool{
		meta: tools.Metadata{Name: "lookup_control"},
		def: ports.ToolDefinition{
			Name: "lookup_control",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"control_id": {Type: "string"},
				},
				Required: []string{"control_id"},
			},
		},
		fn: func(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
			id := args["control_id"].(string)
			return &ports.ToolResult{
				Content:  "control " + id + " is in progress",
				Entities: map[string]string{"control_id": id},
			}, nil
		},
	}))

	require.NoError(t, registry.Register(&stubTool{
		meta: tools.Metadata{Name: "update_control_status", Mutating: true, RequiredRoles: []string{tools.RoleManager}},
		def: ports.ToolDefinition{
			Name: "update_control_status",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"control_id": {Type: "string"},
					"status":     {Type: "string"},
				},
				Required: []string{"control_id"},
			},
		},
		fn: func(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
			t.Fatal("mutating tools must not execute inline")
			return nil, nil
		},
	}))

	cfg := config.AgentConfig{
		MaxIterations:    maxIterations,
		ModelCallTimeout: 5 * time.Second,
		HistoryWindow:    40,
		MaxPromptTokens:  24000,
	}
	engine := NewEngine(mock, registry, sessions, tasks, cfg)

	created, err := sessions.Create(context.Background(), "", "alice")
	require.NoError(t, err)

	return &engineFixture{
		engine:    engine,
		mock:      mock,
		sessions:  sessions,
		tasks:     tasks,
		sessionID: created.ID,
	}
}

func TestHandleMessagePlainAnswer(t *testing.T) {
	f := newFixture(t, 6)
	f.mock.Script("SOC 2 has five trust service criteria.")

	reply, err := f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleAuditor, "what is soc2?")
	require.NoError(t, err)
	assert.Equal(t, ports.RoleAssistant, reply.Role)
	assert.Contains(t, reply.Content, "trust service criteria")

	history, err := f.sessions.History(context.Background(), f.sessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ports.RoleUser, history[0].Role)
	assert.Equal(t, ports.RoleAssistant, history[1].Role)
}

func TestHandleMessageRunsReadOnlyToolInline(t *testing.T) {
	f := newFixture(t, 6)
	f.mock.
		ScriptToolCall("call_1", "lookup_control", map[string]any{"control_id": "AC-2"}).
		Script("AC-2 is currently in progress.")

	reply, err := f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleAuditor, "how is AC-2 doing?")
	require.NoError(t, err)
	assert.Contains(t, reply.Content, "in progress")

	history, err := f.sessions.History(context.Background(), f.sessionID, 0)
	require.NoError(t, err)
	// user, assistant tool-call, tool result, assistant answer
	require.Len(t, history, 4)
	assert.Equal(t, ports.RoleTool, history[2].Role)
	assert.Equal(t, "call_1", history[2].ToolCallID)

	// Entities from the tool result landed in session context.
	sess, err := f.sessions.Get(context.Background(), f.sessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "AC-2", sess.Context["control_id"])

	// The refreshed system prompt carries the entity forward.
	lastReq := f.mock.Requests[len(f.mock.Requests)-1]
	assert.Contains(t, lastReq.Messages[0].Content, "control_id: AC-2")
}

func TestHandleMessageEnqueuesMutatingTool(t *testing.T) {
	f := newFixture(t, 6)
	f.mock.
		ScriptToolCall("call_1", "update_control_status", map[string]any{"control_id": "AC-2", "status": "implemented"}).
		Script("Queued the update as a background task.")

	reply, err := f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleManager, "mark AC-2 implemented")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Content)

	queued, err := f.tasks.ListBySession(context.Background(), f.sessionID)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "update_control_status", queued[0].Type)
	assert.Equal(t, task.StatusPending, queued[0].Status)
	assert.JSONEq(t, `{"control_id":"AC-2","status":"implemented"}`, string(queued[0].Payload))

	history, err := f.sessions.History(context.Background(), f.sessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, queued[0].ID, history[2].TaskID, "tool message links to the queued task")
	assert.Contains(t, history[2].Content, "get_task_status")
}

func TestHandleMessageDeniedToolBecomesErrorResult(t *testing.T) {
	f := newFixture(t, 6)
	f.mock.
		ScriptToolCall("call_1", "update_control_status", map[string]any{"control_id": "AC-2"}).
		Script("I don't have permission to change control status for you.")

	// Auditors cannot see or use the mutating tool.
	reply, err := f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleAuditor, "mark AC-2 implemented")
	require.NoError(t, err, "a denied tool is a conversational failure, not an API failure")
	assert.Contains(t, reply.Content, "permission")

	queued, err := f.tasks.ListBySession(context.Background(), f.sessionID)
	require.NoError(t, err)
	assert.Empty(t, queued, "nothing may be enqueued for a denied call")

	history, err := f.sessions.History(context.Background(), f.sessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Contains(t, history[2].Content, "failed")
	assert.Equal(t, true, history[2].Metadata["is_error"])
}

func TestHandleMessageIterationCap(t *testing.T) {
	f := newFixture(t, 2)
	// The model keeps asking for tools and never answers.
	f.mock.ScriptToolCall("c1", "lookup_control", map[string]any{"control_id": "AC-1"})

	_, err := f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleAuditor, "loop forever")
	require.Error(t, err)
	assert.True(t, errors.IsIterationCap(err))

	var capErr *errors.IterationCapError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Cap)
}

func TestHandleMessageAccessControl(t *testing.T) {
	f := newFixture(t, 6)

	_, err := f.engine.HandleMessage(context.Background(), f.sessionID, "mallory", tools.RoleAuditor, "hi")
	require.Error(t, err)
	assert.True(t, errors.IsAccessDenied(err))

	_, err = f.engine.HandleMessage(context.Background(), "no-such-session", "alice", tools.RoleAuditor, "hi")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestHandleMessageRejectsMalformedMutatingCall(t *testing.T) {
	f := newFixture(t, 6)
	f.mock.
		ScriptToolCall("call_1", "update_control_status", map[string]any{"control_id": "AC-2", "bogus_field": 1}).
		Script("I sent the wrong arguments, let me know the control ID.")

	reply, err := f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleManager, "update that control")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Content)

	queued, err := f.tasks.ListBySession(context.Background(), f.sessionID)
	require.NoError(t, err)
	assert.Empty(t, queued, "schema-invalid calls must not create task rows")

	history, err := f.sessions.History(context.Background(), f.sessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, true, history[2].Metadata["is_error"])
	assert.Contains(t, history[2].Content, "bogus_field")
}

func TestHandleMessageModelFailureBecomesAssistantReply(t *testing.T) {
	f := newFixture(t, 6)
	f.mock.
		ScriptError(&errors.ModelCallError{Attempts: 3}).
		Script("back online")

	reply, err := f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleAuditor, "hello")
	require.NoError(t, err, "an exhausted model call is a conversational failure, not an API failure")
	assert.Equal(t, ports.RoleAssistant, reply.Role)
	assert.Contains(t, reply.Content, "try again")

	// The conversation stays usable afterwards.
	reply, err = f.engine.HandleMessage(context.Background(), f.sessionID, "alice", tools.RoleAuditor, "hello again")
	require.NoError(t, err)
	assert.Equal(t, "back online", reply.Content)

	history, err := f.sessions.History(context.Background(), f.sessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, ports.RoleAssistant, history[1].Role)
}
