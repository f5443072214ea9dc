package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elowen-ai/elowen/internal/application/tools"
	"github.com/elowen-ai/elowen/internal/ports"
)

const (
	defaultQueryResults = 5
	maxQueryResults     = 10
)

// MemoryQuery returns the memory_query tool, which lets the model search
// the acting entity's long-term memory on demand. Unlike automatic
// retrieval it applies no conversation exclusions, and every memory it
// returns counts as surfaced.
func MemoryQuery(retriever ports.MemoryRetriever) tools.Definition {
	return tools.Definition{
		Name:        "memory_query",
		Description: "Search long-term memory for relevant moments from past conversations. Use this when the user refers to something you should remember but that is not in the current context.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to search for in past conversations",
				},
				"num_results": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum number of memories to return (default %d, max %d)", defaultQueryResults, maxQueryResults),
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, tc ports.ToolContext, input json.RawMessage) (string, error) {
			var args struct {
				Query      string `json:"query"`
				NumResults int    `json:"num_results"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid memory_query arguments: %w", err)
			}
			if strings.TrimSpace(args.Query) == "" {
				return "", fmt.Errorf("query is required")
			}

			n := args.NumResults
			if n <= 0 {
				n = defaultQueryResults
			}
			if n > maxQueryResults {
				n = maxQueryResults
			}

			entries, err := retriever.QueryMemories(ctx, tc, args.Query, n)
			if err != nil {
				return "", fmt.Errorf("memory search failed: %w", err)
			}
			if len(entries) == 0 {
				return "No memories found for that query.", nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Found %d memories:\n", len(entries))
			for i, e := range entries {
				fmt.Fprintf(&b, "\n%d. Memory from %s (%s, similarity %.2f):\n%q\n",
					i+1, string(e.Role), e.CreatedAt.Format(time.RFC3339), e.Similarity, e.Content)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}
