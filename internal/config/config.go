package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for Elowen.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Anthropic AnthropicConfig `json:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Embedding EmbeddingConfig `json:"embedding"`
	Defaults  DefaultsConfig  `json:"defaults"`
	Memory    MemoryConfig    `json:"memory"`
	Entities  []EntityConfig  `json:"entities"`
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
	// AuthToken enables bearer-token auth on /api/v1 when non-empty.
	AuthToken string `json:"auth_token"`
}

// DatabaseConfig holds the Postgres connection; Postgres is both the
// database of record and, via pgvector, the memory index.
type DatabaseConfig struct {
	PostgresURL string `json:"postgres_url"`
}

// AnthropicConfig configures the Anthropic Messages API client.
type AnthropicConfig struct {
	APIKey string `json:"api_key"`
	// BaseURL overrides the API endpoint, e.g. for a proxy. Empty means
	// the SDK default.
	BaseURL string `json:"base_url"`
}

// OpenAIConfig configures the OpenAI-compatible chat client used for
// local endpoints (llama.cpp, vLLM, LiteLLM).
type OpenAIConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// EmbeddingConfig holds the OpenAI-compatible embeddings endpoint the
// memory store generates vectors with.
type EmbeddingConfig struct {
	URL        string `json:"url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// DefaultsConfig holds model selection fallbacks: an entity without a
// default model uses its provider's default, then the global default.
type DefaultsConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	EntityID    string  `json:"entity_id"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	// ProviderModels maps provider name to its default model.
	ProviderModels map[string]string `json:"provider_models"`
}

// MemoryConfig holds the retrieval and budgeting knobs.
type MemoryConfig struct {
	SimilarityThreshold     float64 `json:"similarity_threshold"`
	RetrievalTopK           int     `json:"retrieval_top_k"`
	InitialRetrievalTopK    int     `json:"initial_retrieval_top_k"`
	MemoryTokenLimit        int     `json:"memory_token_limit"`
	ContextTokenLimit       int     `json:"context_token_limit"`
	ToolUseMaxIterations    int     `json:"tool_use_max_iterations"`
	SignificanceHalfLifeDay float64 `json:"significance_half_life_days"`
	RecencyBoostStrength    float64 `json:"recency_boost_strength"`
	SignificanceFloor       float64 `json:"significance_floor"`
}

// EntityConfig describes one AI identity: its memory index, display
// label, provider and optional model and system prompt overrides.
type EntityConfig struct {
	ID           string `json:"id"`
	IndexName    string `json:"index_name"`
	Label        string `json:"label"`
	Description  string `json:"description"`
	Provider     string `json:"provider"`
	DefaultModel string `json:"default_model"`
	Host         string `json:"host,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			PostgresURL: "",
		},
		Anthropic: AnthropicConfig{},
		OpenAI: OpenAIConfig{
			URL: "http://localhost:8000/v1",
		},
		Embedding: EmbeddingConfig{
			URL:        "http://localhost:11434/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		Defaults: DefaultsConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			EntityID:    "elowen",
			Temperature: 0.7,
			MaxTokens:   4096,
			ProviderModels: map[string]string{
				"anthropic": "claude-sonnet-4-20250514",
				"openai":    "Qwen/Qwen3-8B-AWQ",
			},
		},
		Memory: MemoryConfig{
			SimilarityThreshold:     0.7,
			RetrievalTopK:           4,
			InitialRetrievalTopK:    8,
			MemoryTokenLimit:        2048,
			ContextTokenLimit:       16384,
			ToolUseMaxIterations:    10,
			SignificanceHalfLifeDay: 60,
			RecencyBoostStrength:    1.0,
			SignificanceFloor:       0.01,
		},
		Entities: []EntityConfig{
			{
				ID:          "elowen",
				IndexName:   "elowen",
				Label:       "Elowen",
				Description: "The default assistant entity",
				Provider:    "anthropic",
			},
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from the config file merged with ELOWEN_*
// environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	envString("ELOWEN_SERVER_HOST", &cfg.Server.Host)
	envInt("ELOWEN_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("ELOWEN_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	envString("ELOWEN_AUTH_TOKEN", &cfg.Server.AuthToken)

	envString("ELOWEN_POSTGRES_URL", &cfg.Database.PostgresURL)

	envString("ELOWEN_ANTHROPIC_API_KEY", &cfg.Anthropic.APIKey)
	envString("ELOWEN_ANTHROPIC_BASE_URL", &cfg.Anthropic.BaseURL)

	envString("ELOWEN_OPENAI_URL", &cfg.OpenAI.URL)
	envString("ELOWEN_OPENAI_API_KEY", &cfg.OpenAI.APIKey)

	envString("ELOWEN_EMBEDDING_URL", &cfg.Embedding.URL)
	envString("ELOWEN_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	envString("ELOWEN_EMBEDDING_MODEL", &cfg.Embedding.Model)
	envInt("ELOWEN_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)

	envString("ELOWEN_DEFAULT_PROVIDER", &cfg.Defaults.Provider)
	envString("ELOWEN_DEFAULT_MODEL", &cfg.Defaults.Model)
	envString("ELOWEN_DEFAULT_ENTITY", &cfg.Defaults.EntityID)
	envFloat("ELOWEN_TEMPERATURE", &cfg.Defaults.Temperature)
	envInt("ELOWEN_MAX_TOKENS", &cfg.Defaults.MaxTokens)

	envFloat("ELOWEN_SIMILARITY_THRESHOLD", &cfg.Memory.SimilarityThreshold)
	envInt("ELOWEN_RETRIEVAL_TOP_K", &cfg.Memory.RetrievalTopK)
	envInt("ELOWEN_INITIAL_RETRIEVAL_TOP_K", &cfg.Memory.InitialRetrievalTopK)
	envInt("ELOWEN_MEMORY_TOKEN_LIMIT", &cfg.Memory.MemoryTokenLimit)
	envInt("ELOWEN_CONTEXT_TOKEN_LIMIT", &cfg.Memory.ContextTokenLimit)
	envInt("ELOWEN_TOOL_USE_MAX_ITERATIONS", &cfg.Memory.ToolUseMaxIterations)
	envFloat("ELOWEN_SIGNIFICANCE_HALF_LIFE_DAYS", &cfg.Memory.SignificanceHalfLifeDay)
	envFloat("ELOWEN_RECENCY_BOOST_STRENGTH", &cfg.Memory.RecencyBoostStrength)
	envFloat("ELOWEN_SIGNIFICANCE_FLOOR", &cfg.Memory.SignificanceFloor)

	// Entities are list-shaped; environment overrides take the JSON form.
	if entitiesJSON := os.Getenv("ELOWEN_ENTITIES"); entitiesJSON != "" {
		var envEntities []EntityConfig
		if err := json.Unmarshal([]byte(entitiesJSON), &envEntities); err == nil {
			cfg.Entities = envEntities
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse ELOWEN_ENTITIES: %v\n", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Entity returns the entity configuration for id.
func (c *Config) Entity(id string) (EntityConfig, bool) {
	for _, e := range c.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return EntityConfig{}, false
}

// DefaultEntity returns the configured default entity, falling back to
// the first configured one.
func (c *Config) DefaultEntity() EntityConfig {
	if e, ok := c.Entity(c.Defaults.EntityID); ok {
		return e
	}
	if len(c.Entities) > 0 {
		return c.Entities[0]
	}
	return EntityConfig{}
}

// IsAnthropicConfigured returns true if the Anthropic provider can be used.
func (c *Config) IsAnthropicConfigured() bool {
	return c.Anthropic.APIKey != ""
}

// IsOpenAIConfigured returns true if an OpenAI-compatible endpoint is set.
func (c *Config) IsOpenAIConfigured() bool {
	return c.OpenAI.URL != ""
}

// IsEmbeddingConfigured returns true if the embedding service is configured.
func (c *Config) IsEmbeddingConfigured() bool {
	return c.Embedding.URL != ""
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.Defaults.Temperature < 0 || c.Defaults.Temperature > 2 {
		errs = append(errs, "temperature must be between 0 and 2")
	}
	if c.Defaults.MaxTokens < 1 {
		errs = append(errs, "max_tokens must be positive")
	}
	if c.Defaults.Provider != "anthropic" && c.Defaults.Provider != "openai" {
		errs = append(errs, "default provider must be 'anthropic' or 'openai'")
	}
	if c.Defaults.Model == "" {
		errs = append(errs, "default model is required")
	}

	if c.Database.PostgresURL == "" {
		errs = append(errs, "PostgreSQL URL is required")
	} else if !isValidURL(c.Database.PostgresURL) {
		errs = append(errs, "PostgreSQL URL must be a valid URL")
	}

	if c.OpenAI.URL != "" && !isValidURL(c.OpenAI.URL) {
		errs = append(errs, "OpenAI URL must be a valid URL")
	}
	if c.Anthropic.BaseURL != "" && !isValidURL(c.Anthropic.BaseURL) {
		errs = append(errs, "Anthropic base URL must be a valid URL")
	}

	if c.Embedding.URL != "" {
		if !isValidURL(c.Embedding.URL) {
			errs = append(errs, "Embedding URL must be a valid URL")
		}
		if c.Embedding.Dimensions < 1 {
			errs = append(errs, "Embedding dimensions must be positive when URL is set")
		}
	}

	if len(c.Entities) == 0 {
		errs = append(errs, "at least one entity must be configured")
	}
	seen := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		if e.ID == "" {
			errs = append(errs, fmt.Sprintf("entity %d: id is required", i))
			continue
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Sprintf("entity %s: duplicate id", e.ID))
		}
		seen[e.ID] = true
		if e.Label == "" {
			errs = append(errs, fmt.Sprintf("entity %s: label is required", e.ID))
		}
		if e.Provider != "" && e.Provider != "anthropic" && e.Provider != "openai" {
			errs = append(errs, fmt.Sprintf("entity %s: provider must be 'anthropic' or 'openai'", e.ID))
		}
		if e.Host != "" && !isValidURL(e.Host) {
			errs = append(errs, fmt.Sprintf("entity %s: host must be a valid URL", e.ID))
		}
	}

	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		errs = append(errs, "similarity_threshold must be between 0 and 1")
	}
	if c.Memory.RetrievalTopK < 1 {
		errs = append(errs, "retrieval_top_k must be positive")
	}
	if c.Memory.InitialRetrievalTopK < c.Memory.RetrievalTopK {
		errs = append(errs, "initial_retrieval_top_k must be at least retrieval_top_k")
	}
	if c.Memory.MemoryTokenLimit < 1 {
		errs = append(errs, "memory_token_limit must be positive")
	}
	if c.Memory.ContextTokenLimit < 1 {
		errs = append(errs, "context_token_limit must be positive")
	}
	if c.Memory.ToolUseMaxIterations < 1 {
		errs = append(errs, "tool_use_max_iterations must be positive")
	}
	if c.Memory.SignificanceHalfLifeDay <= 0 {
		errs = append(errs, "significance_half_life_days must be positive")
	}
	if c.Memory.RecencyBoostStrength < 0 {
		errs = append(errs, "recency_boost_strength must not be negative")
	}
	if c.Memory.SignificanceFloor <= 0 {
		errs = append(errs, "significance_floor must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("ELOWEN_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	return filepath.Join(homeDir, ".config", "elowen", "config.json")
}
