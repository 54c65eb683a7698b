package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"compass/internal/agent/ports"
	"compass/internal/config"
	"compass/internal/errors"
	"compass/internal/logging"
	"compass/internal/session"
	"compass/internal/task"
	"compass/internal/tools"
)

const systemPrompt = `You are Compass, an assistant for managing a compliance program.
You can search the knowledge base, inspect controls and evidence, and queue
changes. Mutating actions run as background tasks; report the task ID to the
user so they can check on it. Be precise about control IDs and frameworks.`

// Engine runs the conversational tool-calling loop: append the user's
// message, call the model with the role's visible tools, execute or enqueue
// whatever the model asks for, and repeat until the model answers in plain
// text or the iteration cap trips.
type Engine struct {
	llm      ports.LLMClient
	registry *tools.Registry
	sessions session.Store
	tasks    task.Store
	cfg      config.AgentConfig
	tokens   *tokenCounter
	logger   logging.Logger
}

// NewEngine wires the loop's collaborators.
func NewEngine(llm ports.LLMClient, registry *tools.Registry, sessions session.Store, tasks task.Store, cfg config.AgentConfig) *Engine {
	return &Engine{
		llm:      llm,
		registry: registry,
		sessions: sessions,
		tasks:    tasks,
		cfg:      cfg,
		tokens:   newTokenCounter(),
		logger:   logging.NewComponentLogger("AgentEngine"),
	}
}

// HandleMessage processes one user turn and returns the assistant's final
// message. The caller's role decides which tools the model can see and use.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, userID, role, text string) (*ports.Message, error) {
	// Ownership check up front; the loop re-fetches the session each
	// iteration for a fresh context blob.
	if _, err := e.sessions.Get(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	userMsg := ports.Message{Role: ports.RoleUser, Content: text}
	if err := e.sessions.AppendMessage(ctx, sessionID, userMsg); err != nil {
		return nil, err
	}

	visibleTools := e.registry.ListFor(role)

	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		history, err := e.sessions.History(ctx, sessionID, e.cfg.HistoryWindow)
		if err != nil {
			return nil, err
		}

		// Refresh the context preamble each turn: tool results may have
		// added entities mid-loop.
		current, err := e.sessions.Get(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}

		messages := make([]ports.Message, 0, len(history)+1)
		messages = append(messages, ports.Message{
			Role:    ports.RoleSystem,
			Content: e.buildSystemPrompt(current.Context),
		})
		messages = append(messages, e.tokens.prune(history, e.cfg.MaxPromptTokens)...)

		resp, err := e.complete(ctx, ports.CompletionRequest{
			Messages: messages,
			Tools:    visibleTools,
		})
		if err != nil {
			if !errors.IsModelCall(err) {
				return nil, err
			}
			// Retries are already exhausted. The conversation stays usable:
			// the user gets a short apology and can simply send again.
			e.logger.Error("session %s model call failed: %v", sessionID, err)
			apology := ports.Message{
				Role:    ports.RoleAssistant,
				Content: "I couldn't reach the language model just now. Please try again in a moment.",
			}
			if aerr := e.sessions.AppendMessage(ctx, sessionID, apology); aerr != nil {
				return nil, aerr
			}
			return &apology, nil
		}

		assistantMsg := ports.Message{
			Role:      ports.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		if err := e.sessions.AppendMessage(ctx, sessionID, assistantMsg); err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			e.logger.Debug("session %s answered after %d iterations", sessionID, iteration+1)
			return &assistantMsg, nil
		}

		for _, call := range resp.ToolCalls {
			toolMsg := e.dispatch(ctx, sessionID, userID, role, call)
			if err := e.sessions.AppendMessage(ctx, sessionID, toolMsg); err != nil {
				return nil, err
			}
		}
	}

	e.logger.Warn("session %s hit the iteration cap (%d)", sessionID, e.cfg.MaxIterations)
	return nil, &errors.IterationCapError{Cap: e.cfg.MaxIterations}
}

// dispatch executes one tool call: read-only tools run inline, mutating
// tools are enqueued as durable tasks. Failures become error tool messages
// so the model can see what went wrong and recover.
func (e *Engine) dispatch(ctx context.Context, sessionID, userID, role string, call ports.ToolCall) ports.Message {
	tool, err := e.registry.Get(call.Name, role)
	if err != nil {
		return errorToolMessage(call, err)
	}

	if tool.Metadata().Mutating {
		return e.enqueue(ctx, sessionID, userID, role, call)
	}

	result, err := e.registry.Invoke(ctx, role, call)
	if err != nil {
		return errorToolMessage(call, err)
	}

	if len(result.Entities) > 0 {
		if err := e.sessions.MergeContext(ctx, sessionID, result.Entities); err != nil {
			e.logger.Warn("session %s context merge failed: %v", sessionID, err)
		}
	}

	return ports.Message{
		Role:       ports.RoleTool,
		ToolCallID: call.ID,
		Content:    result.Content,
		TaskID:     result.TaskID,
	}
}

// enqueue turns a mutating tool call into a pending task and tells the
// model where to find it. Arguments are schema-checked first: a malformed
// call gets an error tool message instead of a task row doomed to fail.
func (e *Engine) enqueue(ctx context.Context, sessionID, userID, role string, call ports.ToolCall) ports.Message {
	args := make(map[string]any, len(call.Arguments)+1)
	for k, v := range call.Arguments {
		args[k] = v
	}
	// Attribute the mutation to the conversation's user.
	if _, ok := args["uploaded_by"]; !ok && call.Name == "upload_evidence" {
		args["uploaded_by"] = userID
	}

	if err := e.registry.Validate(call.Name, role, args); err != nil {
		return errorToolMessage(call, err)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return errorToolMessage(call, fmt.Errorf("encode task payload: %w", err))
	}

	created, err := e.tasks.Create(ctx, &task.Task{
		SessionID: sessionID,
		Type:      call.Name,
		Payload:   payload,
	})
	if err != nil {
		return errorToolMessage(call, err)
	}

	e.logger.Info("session %s queued %s as task %d", sessionID, call.Name, created.ID)
	return ports.Message{
		Role:       ports.RoleTool,
		ToolCallID: call.ID,
		TaskID:     created.ID,
		Content:    fmt.Sprintf("Queued as task %d. Use get_task_status to check progress.", created.ID),
	}
}

func (e *Engine) complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	callCtx := ctx
	if e.cfg.ModelCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.ModelCallTimeout)
		defer cancel()
	}
	return e.llm.Complete(callCtx, req)
}

func (e *Engine) buildSystemPrompt(entities map[string]string) string {
	if len(entities) == 0 {
		return systemPrompt
	}

	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nKnown entities from this conversation:")
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n- %s: %s", k, entities[k])
	}
	return sb.String()
}

func errorToolMessage(call ports.ToolCall, err error) ports.Message {
	return ports.Message{
		Role:       ports.RoleTool,
		ToolCallID: call.ID,
		Content:    fmt.Sprintf("Tool %s failed: %v", call.Name, err),
		Metadata:   map[string]any{"is_error": true},
	}
}
