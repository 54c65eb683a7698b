package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"compass/internal/agent/ports"
	"compass/internal/compliance"
	"compass/internal/tools"
)

// UploadEvidence attaches an evidence record to a control. Mutating: the
// agent enqueues it as a task instead of running it inline.
type UploadEvidence struct {
	svc *compliance.Service
}

func NewUploadEvidence(svc *compliance.Service) *UploadEvidence {
	return &UploadEvidence{svc: svc}
}

func (t *UploadEvidence) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:          "upload_evidence",
		Mutating:      true,
		RequiredRoles: []string{tools.RoleManager},
	}
}

func (t *UploadEvidence) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "upload_evidence",
		Description: "Attach an evidence artifact (document link, export, screenshot) to a compliance control.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"control_id": {
					Type:        "string",
					Description: "The control the evidence supports",
				},
				"name": {
					Type:        "string",
					Description: "Short name for the evidence artifact",
				},
				"uri": {
					Type:        "string",
					Description: "Where the artifact lives, e.g. an s3:// or https:// link",
				},
				"note": {
					Type:        "string",
					Description: "Optional note on what the evidence shows",
				},
				"uploaded_by": {
					Type:        "string",
					Description: "User recording the evidence",
				},
			},
			Required: []string{"control_id", "name"},
		},
	}
}

func (t *UploadEvidence) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	controlID, _ := args["control_id"].(string)
	name, _ := args["name"].(string)
	uri, _ := args["uri"].(string)
	note, _ := args["note"].(string)
	uploadedBy, _ := args["uploaded_by"].(string)

	ev, err := t.svc.AddEvidence(ctx, compliance.Evidence{
		ControlID:  controlID,
		Name:       name,
		URI:        uri,
		Note:       note,
		UploadedBy: uploadedBy,
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return &ports.ToolResult{
		Content:  string(payload),
		Entities: map[string]string{"control_id": controlID, "evidence_id": ev.ID},
	}, nil
}
