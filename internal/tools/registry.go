package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"compass/internal/agent/ports"
	"compass/internal/errors"
	"compass/internal/logging"
)

// Registry holds the tool set and gates every access by role. Tools a role
// may not use are invisible to it: they are absent from listings, and
// invoking one anyway fails the same way whether the tool is forbidden or
// does not exist at all.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.NewComponentLogger("ToolRegistry"),
	}
}

// Register adds a tool. Registering the same name twice is a programming
// error.
func (r *Registry) Register(t Tool) error {
	name := t.Metadata().Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = t
	return nil
}

// ListFor returns the definitions visible to a role, sorted by name.
func (r *Registry) ListFor(role string) []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []ports.ToolDefinition
	for _, t := range r.tools {
		if roleAllowed(role, t.Metadata()) {
			defs = append(defs, t.Definition())
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Get returns a tool if the role may use it. Forbidden and unknown tools
// are indistinguishable to the caller.
func (r *Registry) Get(name, role string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok || !roleAllowed(role, t.Metadata()) {
		return nil, &errors.PermissionError{Tool: name, Role: role}
	}
	return t, nil
}

// Invoke validates the call against the tool's schema and executes it. The
// role is re-checked here regardless of what the caller listed earlier.
func (r *Registry) Invoke(ctx context.Context, role string, call ports.ToolCall) (*ports.ToolResult, error) {
	t, err := r.Get(call.Name, role)
	if err != nil {
		return nil, err
	}

	if err := validateArgs(t.Definition().Parameters, call.Arguments); err != nil {
		return nil, err
	}

	r.logger.Debug("invoking %s for role %s", call.Name, role)
	result, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return nil, err
	}
	result.CallID = call.ID
	return result, nil
}

// Validate checks a call's arguments against the tool's schema without
// executing it. Enqueue paths use this so a malformed mutating call is
// rejected up front instead of failing later inside the worker.
func (r *Registry) Validate(name, role string, args map[string]any) error {
	t, err := r.Get(name, role)
	if err != nil {
		return err
	}
	return validateArgs(t.Definition().Parameters, args)
}

func roleAllowed(role string, meta Metadata) bool {
	if role == RoleAdmin || len(meta.RequiredRoles) == 0 {
		return true
	}
	for _, allowed := range meta.RequiredRoles {
		if role == allowed {
			return true
		}
	}
	return false
}

// validateArgs checks arguments against the JSON-schema style parameter
// definition: every required field present, no unknown fields, and scalar
// types matching.
func validateArgs(schema ports.ParameterSchema, args map[string]any) error {
	for _, required := range schema.Required {
		if _, ok := args[required]; !ok {
			return &errors.ValidationError{Field: required, Reason: "required argument missing"}
		}
	}

	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok {
			return &errors.ValidationError{Field: name, Reason: "unknown argument"}
		}
		if err := checkType(name, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name string, prop ports.Property, value any) error {
	if value == nil {
		return &errors.ValidationError{Field: name, Reason: "argument is null"}
	}
	switch prop.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return &errors.ValidationError{Field: name, Reason: fmt.Sprintf("expected string, got %T", value)}
		}
	case "integer", "number":
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return &errors.ValidationError{Field: name, Reason: fmt.Sprintf("expected %s, got %T", prop.Type, value)}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &errors.ValidationError{Field: name, Reason: fmt.Sprintf("expected boolean, got %T", value)}
		}
	}

	if len(prop.Enum) > 0 {
		for _, allowed := range prop.Enum {
			if value == allowed {
				return nil
			}
		}
		return &errors.ValidationError{Field: name, Reason: fmt.Sprintf("value %v not in allowed set", value)}
	}
	return nil
}
