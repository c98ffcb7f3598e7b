package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/arbiterhq/arbiter/internal/ingest"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/service/decisions"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// Server is the Arbiter HTTP server.
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
// Server. Optional fields (nil-safe): Broker, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Dispatcher  *ingest.Dispatcher
	DecisionSvc *decisions.Service
	Store       storage.Store
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	MCPServer *mcpserver.MCPServer
	Limiter   ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Dispatcher:          cfg.Dispatcher,
		DecisionSvc:         cfg.DecisionSvc,
		Broker:              cfg.Broker,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Ingress. Rate limited per client IP; queries and streams are not.
	reqID := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	ingress := ratelimit.Middleware(cfg.Limiter, "events", ratelimit.IPKeyFunc, reqID)
	mux.Handle("POST /v1/events", ingress(http.HandlerFunc(h.HandleSubmitEvent)))

	// Workflow queries.
	mux.HandleFunc("GET /v1/workflows", h.HandleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}", h.HandleGetWorkflow)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/current", h.HandleGetCurrentDecision)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/decisions", h.HandleGetTimeline)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/integrity", h.HandleGetIntegrity)

	// Decision stream (long-lived connection).
	mux.HandleFunc("GET /v1/decisions/stream", h.HandleDecisionStream)

	// Operator surface.
	mux.HandleFunc("GET /v1/admin/dead-letters", h.HandleListDeadLetters)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec, health, readiness.
	mux.HandleFunc("GET /v1/openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
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
