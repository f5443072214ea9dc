package main

import (
	"fmt"
	"os"

	"github.com/elowen-ai/elowen/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "elowen",
		Short: "Elowen - AI assistant session and memory server",
		Long: `Elowen is a self-hosted AI assistant with persistent memory.
It serves conversation turns over HTTP and SSE, retrieves and stores
per-entity memories in pgvector, and keeps a prompt-cache-friendly
rolling context for each conversation.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		reconcileCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Host:         %s\n", cfg.Server.Host)
			fmt.Printf("  Port:         %d\n", cfg.Server.Port)
			fmt.Printf("  CORS Origins: %v\n", cfg.Server.CORSOrigins)
			fmt.Printf("  Auth Token:   %s\n", maskSecret(cfg.Server.AuthToken))
			fmt.Println()

			fmt.Println("Anthropic:")
			fmt.Printf("  API Key:  %s\n", maskSecret(cfg.Anthropic.APIKey))
			fmt.Printf("  Base URL: %s\n", cfg.Anthropic.BaseURL)
			fmt.Printf("  Status:   %s\n", boolStatus(cfg.IsAnthropicConfigured()))
			fmt.Println()

			fmt.Println("OpenAI-compatible:")
			fmt.Printf("  URL:     %s\n", cfg.OpenAI.URL)
			fmt.Printf("  API Key: %s\n", maskSecret(cfg.OpenAI.APIKey))
			fmt.Printf("  Status:  %s\n", boolStatus(cfg.IsOpenAIConfigured()))
			fmt.Println()

			fmt.Println("Embedding:")
			fmt.Printf("  URL:        %s\n", cfg.Embedding.URL)
			fmt.Printf("  Model:      %s\n", cfg.Embedding.Model)
			fmt.Printf("  Dimensions: %d\n", cfg.Embedding.Dimensions)
			fmt.Printf("  API Key:    %s\n", maskSecret(cfg.Embedding.APIKey))
			fmt.Printf("  Status:     %s\n", boolStatus(cfg.IsEmbeddingConfigured()))
			fmt.Println()

			fmt.Println("Defaults:")
			fmt.Printf("  Provider:    %s\n", cfg.Defaults.Provider)
			fmt.Printf("  Model:       %s\n", cfg.Defaults.Model)
			fmt.Printf("  Entity:      %s\n", cfg.Defaults.EntityID)
			fmt.Printf("  Temperature: %.2f\n", cfg.Defaults.Temperature)
			fmt.Printf("  Max Tokens:  %d\n", cfg.Defaults.MaxTokens)
			fmt.Println()

			fmt.Println("Memory:")
			fmt.Printf("  Similarity Threshold: %.2f\n", cfg.Memory.SimilarityThreshold)
			fmt.Printf("  Retrieval Top-K:      %d (initial %d)\n", cfg.Memory.RetrievalTopK, cfg.Memory.InitialRetrievalTopK)
			fmt.Printf("  Memory Token Limit:   %d\n", cfg.Memory.MemoryTokenLimit)
			fmt.Printf("  Context Token Limit:  %d\n", cfg.Memory.ContextTokenLimit)
			fmt.Printf("  Tool Use Iterations:  %d\n", cfg.Memory.ToolUseMaxIterations)
			fmt.Printf("  Half-Life (days):     %.1f\n", cfg.Memory.SignificanceHalfLifeDay)
			fmt.Println()

			fmt.Println("Entities:")
			for _, e := range cfg.Entities {
				marker := " "
				if e.ID == cfg.Defaults.EntityID {
					marker = "*"
				}
				fmt.Printf("  %s %-12s index=%s provider=%s model=%s\n",
					marker, e.ID, e.IndexName, e.Provider, e.DefaultModel)
			}
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  PostgreSQL: %s\n", maskSecret(cfg.Database.PostgresURL))
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  ELOWEN_HOST, ELOWEN_PORT, ELOWEN_CORS_ORIGINS, ELOWEN_AUTH_TOKEN")
			fmt.Println("  ELOWEN_ANTHROPIC_API_KEY, ELOWEN_ANTHROPIC_BASE_URL")
			fmt.Println("  ELOWEN_OPENAI_URL, ELOWEN_OPENAI_API_KEY")
			fmt.Println("  ELOWEN_EMBEDDING_URL, ELOWEN_EMBEDDING_API_KEY, ELOWEN_EMBEDDING_MODEL")
			fmt.Println("  ELOWEN_POSTGRES_URL, ELOWEN_CONFIG_PATH")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Elowen %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
