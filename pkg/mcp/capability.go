package mcp

import (
	"context"

	"github.com/harunnryd/tala/pkg/llm"
)

// Capability is one invocable tool. Implementations must be safe for
// concurrent Invoke calls.
type Capability interface {
	Descriptor() llm.Tool
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunc is the body of an in-process tool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// LocalTool is a Capability backed by a Go function.
type LocalTool struct {
	Tool llm.Tool
	Fn   ToolFunc
}

func (t LocalTool) Descriptor() llm.Tool { return t.Tool }

func (t LocalTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.Fn(ctx, args)
}

// NewLocalTool builds a LocalTool with an object schema.
func NewLocalTool(name, description string, schema map[string]any, fn ToolFunc) LocalTool {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return LocalTool{
		Tool: llm.Tool{Name: name, Description: description, Schema: schema},
		Fn:   fn,
	}
}
