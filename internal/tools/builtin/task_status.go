package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"compass/internal/agent/ports"
	"compass/internal/errors"
	"compass/internal/task"
	"compass/internal/tools"
)

// GetTaskStatus reports the state of a queued task. Read-only, available to
// every role, so users can ask "is that analysis done yet?".
type GetTaskStatus struct {
	store task.Store
}

func NewGetTaskStatus(store task.Store) *GetTaskStatus {
	return &GetTaskStatus{store: store}
}

func (t *GetTaskStatus) Metadata() tools.Metadata {
	return tools.Metadata{Name: "get_task_status"}
}

func (t *GetTaskStatus) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "get_task_status",
		Description: "Check the status, progress, and result of a background task.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"task_id": {
					Type:        "integer",
					Description: "The task ID returned when the task was enqueued",
				},
			},
			Required: []string{"task_id"},
		},
	}
}

func (t *GetTaskStatus) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	raw, ok := args["task_id"].(float64)
	if !ok {
		if n, isInt := args["task_id"].(int); isInt {
			raw = float64(n)
		} else {
			return nil, &errors.ValidationError{Field: "task_id", Reason: "task_id must be a number"}
		}
	}

	found, err := t.store.Get(ctx, int64(raw))
	if err != nil {
		return nil, err
	}

	payload, err := json.MarshalIndent(found, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return &ports.ToolResult{Content: string(payload), TaskID: found.ID}, nil
}
