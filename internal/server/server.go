package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/miru-ai/miru/internal/auth"
	"github.com/miru-ai/miru/internal/ingest"
	"github.com/miru-ai/miru/internal/query"
	"github.com/miru-ai/miru/internal/storage"
)

// Server is the Miru HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Verifier is optional; nil disables authentication.
type ServerConfig struct {
	Store     storage.Store
	Engine    *query.Engine
	IngestSvc *ingest.Service
	Computer  query.Computer
	Verifier  *auth.Verifier
	Logger    *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		IngestSvc:           cfg.IngestSvc,
		Computer:            cfg.Computer,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Ingest.
	mux.HandleFunc("POST /api/v1/traces", h.HandleIngest)

	// Trace queries.
	mux.HandleFunc("GET /api/v1/traces", h.HandleListTraces)
	mux.HandleFunc("GET /api/v1/traces/{trace_id}", h.HandleGetTrace)
	mux.HandleFunc("POST /api/v1/traces/{trace_id}/compute_metrics", h.HandleComputeTraceMetrics)

	// Span queries.
	mux.HandleFunc("GET /api/v1/spans", h.HandleListSpans)
	mux.HandleFunc("GET /api/v1/spans/{span_id}", h.HandleGetSpan)
	mux.HandleFunc("POST /api/v1/spans/{span_id}/compute_metrics", h.HandleComputeSpanMetrics)

	// Session queries.
	mux.HandleFunc("GET /api/v1/sessions", h.HandleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{session_id}", h.HandleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{session_id}/compute_metrics", h.HandleComputeSessionMetrics)

	// User queries.
	mux.HandleFunc("GET /api/v1/users", h.HandleListUsers)
	mux.HandleFunc("GET /api/v1/users/{user_id}/sessions", h.HandleUserSessions)
	mux.HandleFunc("GET /api/v1/users/{user_id}/traces", h.HandleUserTraces)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
