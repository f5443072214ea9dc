package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/embedding"
	"github.com/elowen-ai/elowen/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

const healthCheckTimeout = 5 * time.Second

type HealthHandler struct {
	version  string
	cfg      *config.Config
	db       *pgxpool.Pool
	embedder *embedding.Client
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version}
}

func NewHealthHandlerWithDeps(version string, cfg *config.Config, db *pgxpool.Pool, embedder *embedding.Client) *HealthHandler {
	return &HealthHandler{
		version:  version,
		cfg:      cfg,
		db:       db,
		embedder: embedder,
	}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type DetailedHealthResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status    string  `json:"status"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// Handle provides a basic liveness check
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Version: h.version}, http.StatusOK)
}

// HandleDetailed pings the database and the embedding endpoint and
// reports which LLM providers are configured. Providers are not pinged:
// a chat round-trip against a metered API is too expensive for a probe.
func (h *HealthHandler) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response := DetailedHealthResponse{
		Version:  h.version,
		Services: make(map[string]ServiceHealth),
	}

	if h.db != nil {
		response.Services["database"] = h.checkDatabase(ctx)
	}
	if h.cfg != nil && h.cfg.IsEmbeddingConfigured() && h.embedder != nil {
		response.Services["embedding"] = h.checkEmbedding(ctx)
	}
	if h.cfg != nil {
		if h.cfg.IsAnthropicConfigured() {
			response.Services["anthropic"] = ServiceHealth{Status: "configured"}
		}
		if h.cfg.IsOpenAIConfigured() {
			response.Services["openai"] = ServiceHealth{Status: "configured"}
		}
	}

	response.Status = overallStatus(response.Services)

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	respondJSON(w, response, statusCode)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceHealth {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := h.db.Ping(checkCtx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		return ServiceHealth{Status: "unhealthy", LatencyMs: &latency, Error: &errMsg}
	}
	return ServiceHealth{Status: "healthy", LatencyMs: &latency}
}

func (h *HealthHandler) checkEmbedding(ctx context.Context) ServiceHealth {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	_, err := h.embedder.Embed(checkCtx, "health check")
	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		return ServiceHealth{Status: "unhealthy", LatencyMs: &latency, Error: &errMsg}
	}
	return ServiceHealth{Status: "healthy", LatencyMs: &latency}
}

// overallStatus folds service states: a dead database is unhealthy, any
// other failing dependency only degrades, since turns can proceed
// without retrieval.
func overallStatus(services map[string]ServiceHealth) string {
	if db, ok := services["database"]; ok && db.Status == "unhealthy" {
		return "unhealthy"
	}
	for _, svc := range services {
		if svc.Status == "unhealthy" {
			return "degraded"
		}
	}
	return "healthy"
}
