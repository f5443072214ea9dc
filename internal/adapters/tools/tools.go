package tools

import (
	"context"
	"encoding/json"
	"fmt"

	apptools "github.com/elowen-ai/elowen/internal/application/tools"
	"github.com/elowen-ai/elowen/internal/ports"
)

// userAgent identifies outbound requests made on the assistant's behalf.
const userAgent = "Mozilla/5.0 (compatible; Elowen/1.0)"

// NativeTool is a self-contained tool that works on loosely typed
// arguments and returns a JSON-serializable result.
type NativeTool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds the web tool set.
type Registry struct {
	tools []NativeTool
}

// NewRegistry creates the default web tool set.
func NewRegistry() *Registry {
	return &Registry{
		tools: []NativeTool{
			NewWebSearchTool(),
			NewWebReadTool(),
			NewWebFetchRawTool(),
			NewWebFetchStructuredTool(),
			NewWebExtractLinksTool(),
			NewWebExtractMetadataTool(),
		},
	}
}

// Tools returns the registered native tools.
func (r *Registry) Tools() []NativeTool {
	return r.tools
}

// Definitions adapts each native tool for the tool executor. Arguments
// arrive as raw JSON and results go back to the model as indented JSON.
func (r *Registry) Definitions() []apptools.Definition {
	defs := make([]apptools.Definition, 0, len(r.tools))
	for _, t := range r.tools {
		tool := t
		defs = append(defs, apptools.Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
			Handler: func(ctx context.Context, _ ports.ToolContext, input json.RawMessage) (string, error) {
				args := make(map[string]any)
				if len(input) > 0 {
					if err := json.Unmarshal(input, &args); err != nil {
						return "", fmt.Errorf("invalid %s arguments: %w", tool.Name(), err)
					}
				}

				result, err := tool.Execute(ctx, args)
				if err != nil {
					return "", err
				}

				out, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return "", fmt.Errorf("failed to encode %s result: %w", tool.Name(), err)
				}
				return string(out), nil
			},
		})
	}
	return defs
}
