package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/model"
)

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Name() string
	Description() string
	Params() []model.Param
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// Registry manages the available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []Tool {
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Specs returns the model-facing declarations of all tools.
func (r *Registry) Specs() []model.ToolSpec {
	var specs []model.ToolSpec
	for _, t := range r.List() {
		specs = append(specs, model.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Params:      t.Params(),
		})
	}
	return specs
}

// Dispatch runs a tool call. Failures are reported in the result, never as an
// error, so the model can see and react to them.
func (r *Registry) Dispatch(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	result := domain.ToolResult{ToolCallID: call.ID, Name: call.Name}

	t, ok := r.Get(call.Name)
	if !ok {
		slog.Warn("Unknown tool called", "tool", call.Name)
		result.Content = fmt.Sprintf("Error: Tool '%s' not found.", call.Name)
		result.IsError = true
		return result
	}

	out, err := t.Execute(ctx, call.Input)
	if err != nil {
		slog.Warn("Tool failed", "tool", call.Name, "error", err)
		result.Content = fmt.Sprintf("Error: %v", err)
		result.IsError = true
		return result
	}
	result.Content = out
	return result
}

func stringArg(input map[string]any, name string) (string, error) {
	v, ok := input[name].(string)
	if !ok {
		return "", fmt.Errorf("argument '%s' is required and must be a string", name)
	}
	return v, nil
}

// intArg accepts JSON numbers, which decode as float64.
func intArg(input map[string]any, name string) (int, bool) {
	switch v := input[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
