package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"compass/internal/agent/ports"
	"compass/internal/compliance"
	"compass/internal/retrieval"
	"compass/internal/tools"
)

// AnalyzeCompliance computes gap coverage across frameworks and pulls the
// most relevant knowledge for each gap. Mutating in the queue sense: it is
// slow enough that it always runs as a background task.
type AnalyzeCompliance struct {
	svc       *compliance.Service
	retriever *retrieval.Hybrid
}

func NewAnalyzeCompliance(svc *compliance.Service, retriever *retrieval.Hybrid) *AnalyzeCompliance {
	return &AnalyzeCompliance{svc: svc, retriever: retriever}
}

func (t *AnalyzeCompliance) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:          "analyze_compliance",
		Mutating:      true,
		RequiredRoles: []string{tools.RoleManager, tools.RoleAuditor},
	}
}

func (t *AnalyzeCompliance) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "analyze_compliance",
		Description: "Run a compliance gap analysis: per-framework coverage plus guidance for the missing controls. Runs in the background; returns a task you can check on.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"framework": {
					Type:        "string",
					Description: "Optional framework to analyze; all frameworks when omitted",
				},
			},
		},
	}
}

func (t *AnalyzeCompliance) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	framework, _ := args["framework"].(string)

	summaries, err := t.svc.Summarize(ctx, framework)
	if err != nil {
		return nil, err
	}

	missing, err := t.svc.ListControls(ctx, framework, compliance.ControlNotImplemented)
	if err != nil {
		return nil, err
	}

	// Pull guidance for the worst gaps so the report is actionable.
	guidance := make(map[string]string)
	for i, c := range missing {
		if i >= 5 {
			break
		}
		results, rerr := t.retriever.Retrieve(ctx, retrieval.Query{
			Text: fmt.Sprintf("%s %s", c.ID, c.Title),
			TopK: 1,
		})
		if rerr != nil {
			return nil, fmt.Errorf("retrieve guidance for %s: %w", c.ID, rerr)
		}
		if len(results) > 0 {
			guidance[c.ID] = results[0].Content
		}
	}

	report := struct {
		Summaries []compliance.GapSummary `json:"summaries"`
		Missing   []string                `json:"missing_controls"`
		Guidance  map[string]string       `json:"guidance,omitempty"`
	}{Summaries: summaries, Guidance: guidance}
	for _, c := range missing {
		report.Missing = append(report.Missing, c.ID)
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	var header strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&header, "%s: %d/%d implemented, %d in progress, %d missing\n",
			s.Framework, s.Implemented, s.Total, s.InProgress, s.Missing)
	}
	return &ports.ToolResult{Content: header.String() + string(payload)}, nil
}
