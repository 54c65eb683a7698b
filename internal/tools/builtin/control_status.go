package builtin

import (
	"context"
	"fmt"

	"compass/internal/agent/ports"
	"compass/internal/compliance"
	"compass/internal/tools"
)

// UpdateControlStatus transitions a control's implementation status.
// Mutating and restricted: auditors may read controls but never change them.
type UpdateControlStatus struct {
	svc *compliance.Service
}

func NewUpdateControlStatus(svc *compliance.Service) *UpdateControlStatus {
	return &UpdateControlStatus{svc: svc}
}

func (t *UpdateControlStatus) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:          "update_control_status",
		Mutating:      true,
		RequiredRoles: []string{tools.RoleManager},
	}
}

func (t *UpdateControlStatus) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "update_control_status",
		Description: "Set the implementation status of a compliance control.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"control_id": {
					Type:        "string",
					Description: "The control to update",
				},
				"status": {
					Type:        "string",
					Description: "The new implementation status",
					Enum:        []any{"not_implemented", "in_progress", "implemented", "not_applicable"},
				},
			},
			Required: []string{"control_id", "status"},
		},
	}
}

func (t *UpdateControlStatus) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	controlID, _ := args["control_id"].(string)
	status, _ := args["status"].(string)

	control, err := t.svc.UpdateStatus(ctx, controlID, compliance.ControlStatus(status))
	if err != nil {
		return nil, err
	}

	return &ports.ToolResult{
		Content:  fmt.Sprintf("Control %s is now %s.", control.ID, control.Status),
		Entities: map[string]string{"control_id": control.ID},
	}, nil
}
