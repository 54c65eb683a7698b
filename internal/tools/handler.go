package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"compass/internal/task"
)

// toolHandler adapts a mutating tool into a task handler, so the same
// implementation serves both the registry's access checks and the worker's
// execution path.
type toolHandler struct {
	tool Tool
}

// NewTaskHandler wraps a mutating tool as a task handler whose task type is
// the tool name.
func NewTaskHandler(t Tool) task.Handler {
	return &toolHandler{tool: t}
}

func (h *toolHandler) Type() string {
	return h.tool.Metadata().Name
}

func (h *toolHandler) Execute(ctx context.Context, exec *task.Execution) (json.RawMessage, error) {
	if exec.Cancelled(ctx) {
		return nil, task.ErrCancelled
	}

	var args map[string]any
	if len(exec.Task.Payload) > 0 {
		if err := json.Unmarshal(exec.Task.Payload, &args); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	if err := exec.ReportProgress(ctx, 10, "started"); err != nil {
		return nil, err
	}

	result, err := h.tool.Execute(ctx, args)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{"content": result.Content})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}
