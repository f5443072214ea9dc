package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/embedding"
	"github.com/elowen-ai/elowen/internal/adapters/http"
	"github.com/elowen-ai/elowen/internal/adapters/http/handlers"
	"github.com/elowen-ai/elowen/internal/adapters/id"
	"github.com/elowen-ai/elowen/internal/adapters/postgres"
	webtools "github.com/elowen-ai/elowen/internal/adapters/tools"
	"github.com/elowen-ai/elowen/internal/adapters/tracing"
	"github.com/elowen-ai/elowen/internal/adapters/vectorstore"
	"github.com/elowen-ai/elowen/internal/application/prompting"
	"github.com/elowen-ai/elowen/internal/application/services"
	"github.com/elowen-ai/elowen/internal/application/tools"
	"github.com/elowen-ai/elowen/internal/application/tools/builtin"
	"github.com/elowen-ai/elowen/internal/llm"
	"github.com/spf13/cobra"
)

// serveCmd starts the HTTP API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the Elowen HTTP API server.

The server exposes turn endpoints (blocking, SSE streaming and
regenerate), conversation management, and a per-conversation
WebSocket sync channel.

Required configuration:
  - PostgreSQL with pgvector (ELOWEN_POSTGRES_URL)
  - Embedding endpoint (ELOWEN_EMBEDDING_URL)
  - At least one LLM provider (ELOWEN_ANTHROPIC_API_KEY or ELOWEN_OPENAI_URL)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the HTTP API server
func runServer(ctx context.Context) error {
	log.Println("Starting Elowen API server...")
	log.Printf("  HTTP:      http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	if cfg.IsAnthropicConfigured() {
		log.Printf("  Anthropic: configured")
	}
	if cfg.IsOpenAIConfigured() {
		log.Printf("  OpenAI:    %s", cfg.OpenAI.URL)
	}
	log.Printf("  Embedding: %s (%s, %d dims)", cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	log.Printf("  Entities:  %d configured, default %q", len(cfg.Entities), cfg.Defaults.EntityID)
	log.Println()

	// Initialize OpenTelemetry tracing
	log.Println("Initializing OpenTelemetry tracing...")
	shutdown, err := tracing.InitTracer("elowen-api")
	if err != nil {
		log.Printf("Warning: Failed to initialize tracing: %v", err)
	} else {
		defer func() {
			if err := shutdown(ctx); err != nil {
				log.Printf("Error shutting down tracer: %v", err)
			}
		}()
		log.Println("OpenTelemetry tracing initialized")
	}

	// Validate required configuration
	if !cfg.IsEmbeddingConfigured() {
		return fmt.Errorf("server mode requires an embedding endpoint. Set ELOWEN_EMBEDDING_URL")
	}
	if !cfg.IsAnthropicConfigured() && !cfg.IsOpenAIConfigured() {
		return fmt.Errorf("server mode requires at least one LLM provider. Set ELOWEN_ANTHROPIC_API_KEY or ELOWEN_OPENAI_URL")
	}

	// Initialize database connection pool
	log.Println("Connecting to PostgreSQL...")
	pool, err := initDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Println("Database connection established")

	// Initialize repositories
	conversationRepo := postgres.NewConversationRepository(pool)
	messageRepo := postgres.NewMessageRepository(pool)
	linkRepo := postgres.NewMemoryLinkRepository(pool)
	participantRepo := postgres.NewConversationEntityRepository(pool)
	indexRepo := postgres.NewMemoryIndexRepository(pool)

	// Initialize ID generator
	idGen := id.New()

	// Initialize transaction manager
	txManager := postgres.NewTransactionManager(pool)
	log.Println("Transaction manager initialized")

	// Initialize embedding client and the vector store on top of it
	embeddingClient := embedding.NewClient(
		cfg.Embedding.URL,
		cfg.Embedding.APIKey,
		cfg.Embedding.Model,
		cfg.Embedding.Dimensions,
	)
	store := vectorstore.New(indexRepo, embeddingClient)
	log.Println("Vector store initialized")

	// Initialize memory retrieval
	rankerCfg := services.RankerConfig{
		HalfLifeDays:        cfg.Memory.SignificanceHalfLifeDay,
		RecencyBoostCeiling: cfg.Memory.RecencyBoostStrength,
		SignificanceFloor:   cfg.Memory.SignificanceFloor,
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		TopK:                cfg.Memory.RetrievalTopK,
		InitialTopK:         cfg.Memory.InitialRetrievalTopK,
	}
	retriever := services.NewMemoryRetrievalService(
		store,
		messageRepo,
		conversationRepo,
		linkRepo,
		txManager,
		rankerCfg,
		cfg.DefaultEntity().ID,
	)
	log.Println("Memory retrieval initialized")

	// Initialize LLM providers
	providers := llm.NewProviders(cfg.Defaults.Provider)
	if cfg.IsAnthropicConfigured() {
		providers.Register("anthropic", llm.NewService(llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL)))
		log.Println("Anthropic provider registered")
	}
	if cfg.IsOpenAIConfigured() {
		providers.Register("openai", llm.NewService(llm.NewOpenAIClient(cfg.OpenAI.URL, cfg.OpenAI.APIKey)))
		log.Println("OpenAI-compatible provider registered")
	}

	// Register tools: built-ins plus the web tool set
	executor := tools.NewExecutor()
	if err := builtin.RegisterAll(executor, retriever); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}
	for _, def := range webtools.NewRegistry().Definitions() {
		if err := executor.Register(def); err != nil {
			return fmt.Errorf("failed to register web tool %s: %w", def.Name, err)
		}
	}
	log.Printf("Tools registered: %d", len(executor.Schemas()))

	// Map configured entities into the session layer's shape
	entities := make([]services.EntityInfo, 0, len(cfg.Entities))
	for _, e := range cfg.Entities {
		entities = append(entities, services.EntityInfo{
			ID:           e.ID,
			Label:        e.Label,
			Provider:     e.Provider,
			DefaultModel: e.DefaultModel,
			SystemPrompt: e.SystemPrompt,
		})
	}

	// Initialize the session manager, the heart of the turn pipeline
	sessionManager := services.NewSessionManager(
		services.SessionManagerDeps{
			Conversations: conversationRepo,
			Messages:      messageRepo,
			Links:         linkRepo,
			Participants:  participantRepo,
			TxManager:     txManager,
			Store:         store,
			Retriever:     retriever,
			Assembler:     prompting.NewAssembler(nil),
			Providers:     providers,
			Executor:      executor,
			Counter:       services.NewTokenCounter(),
			IDGen:         idGen,
		},
		entities,
		services.TurnDefaults{
			Provider:       cfg.Defaults.Provider,
			Model:          cfg.Defaults.Model,
			EntityID:       cfg.Defaults.EntityID,
			Temperature:    cfg.Defaults.Temperature,
			MaxTokens:      cfg.Defaults.MaxTokens,
			ProviderModels: cfg.Defaults.ProviderModels,
		},
		services.TurnBudgets{
			MemoryTokens:      cfg.Memory.MemoryTokenLimit,
			ContextTokens:     cfg.Memory.ContextTokenLimit,
			MaxToolIterations: cfg.Memory.ToolUseMaxIterations,
		},
	)
	log.Println("Session manager initialized")

	// Initialize conversation service
	conversationSvc := services.NewConversationService(
		conversationRepo,
		participantRepo,
		messageRepo,
		txManager,
		sessionManager,
		idGen,
		entities,
	)
	log.Println("Conversation service initialized")

	// Initialize WebSocket broadcaster
	wsBroadcaster := handlers.NewWebSocketBroadcaster()

	// Create HTTP server
	server := http.NewServer(cfg, version, sessionManager, conversationSvc, conversationRepo, messageRepo, pool, embeddingClient, wsBroadcaster)

	// Set up graceful shutdown
	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	// Channel to listen for errors from the server
	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		log.Printf("HTTP server listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErrors <- server.Start()
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(serverCtx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		log.Println("Server stopped")
		return nil
	}
}
