package tools

import (
	"context"

	"compass/internal/agent/ports"
)

// Roles recognized by the tool registry. Admin passes every gate.
const (
	RoleAdmin   = "admin"
	RoleManager = "compliance_manager"
	RoleAuditor = "auditor"
)

// Metadata describes how a tool may be used.
type Metadata struct {
	Name string
	// Mutating tools never run inline in the conversation loop; the agent
	// enqueues them as durable tasks.
	Mutating bool
	// RequiredRoles lists the roles that may see and invoke the tool.
	// Empty means every role. Admin is always allowed.
	RequiredRoles []string
}

// Tool is one capability exposed to the agent.
type Tool interface {
	// Definition describes the tool and its parameter schema for the model.
	Definition() ports.ToolDefinition

	// Metadata returns the tool's access rules.
	Metadata() Metadata

	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, args map[string]any) (*ports.ToolResult, error)
}
