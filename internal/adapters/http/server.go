package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/embedding"
	"github.com/elowen-ai/elowen/internal/adapters/http/handlers"
	"github.com/elowen-ai/elowen/internal/adapters/http/middleware"
	"github.com/elowen-ai/elowen/internal/application/services"
	"github.com/elowen-ai/elowen/internal/config"
	"github.com/elowen-ai/elowen/internal/ports"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP front of the assistant: turn endpoints (blocking,
// SSE and regenerate), conversation CRUD, the entity roster, health and
// Prometheus metrics, plus the per-conversation WebSocket sync channel.
type Server struct {
	config     *config.Config
	version    string
	router     *chi.Mux
	httpServer *http.Server

	sessionManager   *services.SessionManager
	conversationSvc  *services.ConversationService
	conversationRepo ports.ConversationRepository
	messageRepo      ports.MessageRepository
	db               *pgxpool.Pool
	embedder         *embedding.Client
	wsBroadcaster    *handlers.WebSocketBroadcaster
}

func NewServer(
	cfg *config.Config,
	version string,
	sessionManager *services.SessionManager,
	conversationSvc *services.ConversationService,
	conversationRepo ports.ConversationRepository,
	messageRepo ports.MessageRepository,
	db *pgxpool.Pool,
	embedder *embedding.Client,
	wsBroadcaster *handlers.WebSocketBroadcaster,
) *Server {
	s := &Server{
		config:           cfg,
		version:          version,
		sessionManager:   sessionManager,
		conversationSvc:  conversationSvc,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		db:               db,
		embedder:         embedder,
		wsBroadcaster:    wsBroadcaster,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.config.Server.CORSOrigins))
	r.Use(middleware.Metrics)

	healthHandler := handlers.NewHealthHandlerWithDeps(s.version, s.config, s.db, s.embedder)
	r.Get("/health", healthHandler.Handle)
	r.Get("/health/detailed", healthHandler.HandleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.config.Server.AuthToken))

		turnsHandler := handlers.NewTurnsHandler(s.sessionManager, s.conversationRepo, s.messageRepo, s.wsBroadcaster)
		r.Post("/send", turnsHandler.Send)
		r.Post("/stream", turnsHandler.Stream)
		r.Post("/regenerate", turnsHandler.Regenerate)

		conversationsHandler := handlers.NewConversationsHandler(s.conversationSvc)
		r.Post("/conversations", conversationsHandler.Create)
		r.Get("/conversations", conversationsHandler.List)
		r.Get("/conversations/{id}", conversationsHandler.Get)
		r.Get("/conversations/{id}/messages", conversationsHandler.Messages)
		r.Post("/conversations/{id}/archive", conversationsHandler.Archive)
		r.Post("/conversations/{id}/unarchive", conversationsHandler.Unarchive)
		r.Delete("/conversations/{id}", conversationsHandler.Delete)

		wsHandler := handlers.NewWebSocketSyncHandler(s.conversationRepo, s.messageRepo, s.wsBroadcaster, s.config.Server.CORSOrigins)
		r.Get("/conversations/{id}/ws", wsHandler.Handle)

		entitiesHandler := handlers.NewEntitiesHandler(s.config.Entities, s.config.Defaults.EntityID)
		r.Get("/entities", entitiesHandler.List)
	})

	s.router = r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket connections outlive any sane write timeout
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
