package builtin

import (
	"fmt"

	"github.com/elowen-ai/elowen/internal/application/tools"
	"github.com/elowen-ai/elowen/internal/ports"
)

// RegisterAll adds the built-in tools to the executor. The memory query
// tool is skipped when no retriever is wired.
func RegisterAll(executor *tools.Executor, retriever ports.MemoryRetriever) error {
	if err := executor.Register(Calculator()); err != nil {
		return fmt.Errorf("failed to register calculator: %w", err)
	}

	if retriever != nil {
		if err := executor.Register(MemoryQuery(retriever)); err != nil {
			return fmt.Errorf("failed to register memory query: %w", err)
		}
	}

	return nil
}
