package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"compass/internal/agent/ports"
	"compass/internal/compliance"
	"compass/internal/tools"
)

// ListControls lists compliance controls, optionally filtered by framework
// and status. Read-only, available to every role.
type ListControls struct {
	svc *compliance.Service
}

func NewListControls(svc *compliance.Service) *ListControls {
	return &ListControls{svc: svc}
}

func (t *ListControls) Metadata() tools.Metadata {
	return tools.Metadata{Name: "list_controls"}
}

func (t *ListControls) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "list_controls",
		Description: "List compliance controls with their implementation status.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"framework": {
					Type:        "string",
					Description: "Optional framework filter, e.g. soc2 or iso27001",
				},
				"status": {
					Type:        "string",
					Description: "Optional status filter",
					Enum:        []any{"not_implemented", "in_progress", "implemented", "not_applicable"},
				},
			},
		},
	}
}

func (t *ListControls) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	framework, _ := args["framework"].(string)
	status, _ := args["status"].(string)

	controls, err := t.svc.ListControls(ctx, framework, compliance.ControlStatus(status))
	if err != nil {
		return nil, err
	}
	if len(controls) == 0 {
		return &ports.ToolResult{Content: "No controls match."}, nil
	}

	var sb strings.Builder
	for _, c := range controls {
		fmt.Fprintf(&sb, "%s [%s] %s: %s\n", c.ID, c.Framework, c.Title, c.Status)
	}
	return &ports.ToolResult{Content: sb.String()}, nil
}

// GetControl fetches one control with its evidence. Read-only. The returned
// entities let the conversation refer back to "that control" later.
type GetControl struct {
	svc *compliance.Service
}

func NewGetControl(svc *compliance.Service) *GetControl {
	return &GetControl{svc: svc}
}

func (t *GetControl) Metadata() tools.Metadata {
	return tools.Metadata{Name: "get_control"}
}

func (t *GetControl) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "get_control",
		Description: "Get one compliance control by ID, including attached evidence.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"control_id": {
					Type:        "string",
					Description: "The control ID, e.g. AC-2",
				},
			},
			Required: []string{"control_id"},
		},
	}
}

func (t *GetControl) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	controlID, _ := args["control_id"].(string)

	control, err := t.svc.GetControl(ctx, controlID)
	if err != nil {
		return nil, err
	}
	evidence, err := t.svc.ListEvidence(ctx, controlID)
	if err != nil {
		return nil, err
	}

	payload, err := json.MarshalIndent(map[string]any{
		"control":  control,
		"evidence": evidence,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode control: %w", err)
	}

	return &ports.ToolResult{
		Content: string(payload),
		Entities: map[string]string{
			"control_id": control.ID,
			"framework":  control.Framework,
		},
	}, nil
}
