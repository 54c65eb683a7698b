package builtin

import (
	"context"
	"fmt"
	"strings"

	"compass/internal/agent/ports"
	"compass/internal/retrieval"
	"compass/internal/tools"
)

// SearchKnowledge queries the hybrid retriever over the compliance
// knowledge base. Read-only, available to every role.
type SearchKnowledge struct {
	retriever *retrieval.Hybrid
}

func NewSearchKnowledge(retriever *retrieval.Hybrid) *SearchKnowledge {
	return &SearchKnowledge{retriever: retriever}
}

func (t *SearchKnowledge) Metadata() tools.Metadata {
	return tools.Metadata{Name: "search_knowledge"}
}

func (t *SearchKnowledge) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "search_knowledge",
		Description: "Search the compliance knowledge base: policies, control descriptions, runbooks, and related entities.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"query": {
					Type:        "string",
					Description: "What to search for",
				},
				"framework": {
					Type:        "string",
					Description: "Optional framework filter, e.g. soc2 or iso27001",
				},
				"top_k": {
					Type:        "integer",
					Description: "Maximum number of results (default 5)",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (t *SearchKnowledge) Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error) {
	query, _ := args["query"].(string)

	var filter map[string]string
	if framework, ok := args["framework"].(string); ok && framework != "" {
		filter = map[string]string{"framework": framework}
	}
	topK := 5
	if v, ok := args["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}

	results, err := t.retriever.Retrieve(ctx, retrieval.Query{
		Text:   query,
		TopK:   topK,
		Filter: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	if len(results) == 0 {
		return &ports.ToolResult{Content: "No matching knowledge found."}, nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [%s] (score %.3f) %s\n", i+1, r.ID, r.Score, r.Content)
	}
	return &ports.ToolResult{Content: sb.String()}, nil
}
