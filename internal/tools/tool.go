// Package tools holds the tool registry, the dispatch gateway that turns every
// tool call into a result envelope, and the built-in tools.
package tools

import "context"

// Tool is a named capability an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	// Invoke runs the tool. args is never nil.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Descriptor is the prompt-facing summary of a tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Func adapts a function to Tool.
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f Func) Name() string        { return f.ToolName }
func (f Func) Description() string { return f.Desc }

func (f Func) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}
