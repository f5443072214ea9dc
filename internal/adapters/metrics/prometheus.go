package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elowen_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "elowen_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elowen_sessions_active",
		Help: "Number of live in-process sessions",
	})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elowen_turns_total",
		Help: "Completed turns by stop reason",
	}, []string{"stop_reason"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "elowen_turn_duration_seconds",
		Help:    "Full turn duration including tool iterations",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	MemoriesRetrievedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elowen_memories_retrieved_total",
		Help: "Memories newly surfaced into sessions",
	})

	MemoryIndexFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elowen_memory_index_failures_total",
		Help: "Failed post-turn memory index upserts",
	})

	ToolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elowen_tool_executions_total",
		Help: "Tool executions by tool name and outcome",
	}, []string{"tool", "status"})

	CacheTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elowen_prompt_cache_tokens_total",
		Help: "Prompt cache tokens by direction (read or write)",
	}, []string{"direction"})
)
