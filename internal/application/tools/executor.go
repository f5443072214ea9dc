package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/elowen-ai/elowen/internal/ports"
)

// Handler runs one tool invocation and returns the text handed back to
// the model.
type Handler func(ctx context.Context, tc ports.ToolContext, input json.RawMessage) (string, error)

// Definition binds a tool schema to its handler.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Executor is a name-keyed registry of tools. Execution failures come
// back as error-flagged results rather than Go errors so the model can
// react to them and the loop keeps going.
type Executor struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewExecutor creates an empty tool registry.
func NewExecutor() *Executor {
	return &Executor{defs: make(map[string]Definition)}
}

// Register adds a tool. A duplicate name is a wiring bug.
func (e *Executor) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("tool %s: already registered", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

// Has reports whether a tool with the given name is registered.
func (e *Executor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.defs[name]
	return ok
}

// Schemas returns the registered tool schemas in name order.
func (e *Executor) Schemas() []ports.ToolSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()

	schemas := make([]ports.ToolSchema, 0, len(e.defs))
	for _, def := range e.defs {
		schemas = append(schemas, ports.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Execute runs the named tool. Unknown names, handler errors and handler
// panics all come back as error results keyed to the tool use id.
func (e *Executor) Execute(ctx context.Context, tc ports.ToolContext, toolUseID, name string, input json.RawMessage) (result ports.ToolResult) {
	result = ports.ToolResult{ToolUseID: toolUseID}

	e.mu.RLock()
	def, ok := e.defs[name]
	e.mu.RUnlock()
	if !ok {
		result.Content = fmt.Sprintf("unknown tool: %s", name)
		result.IsError = true
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("warning: tool %s panicked: %v", name, r)
			result.Content = fmt.Sprintf("tool %s failed: internal error", name)
			result.IsError = true
		}
	}()

	content, err := def.Handler(ctx, tc, input)
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result
	}

	result.Content = content
	return result
}
