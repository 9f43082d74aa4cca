package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/threadbox/internal/auth"
	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/ratelimit"
	"github.com/ashita-ai/threadbox/internal/runtime"
	"github.com/ashita-ai/threadbox/internal/secrets"
	"github.com/ashita-ai/threadbox/internal/service/models"
	"github.com/ashita-ai/threadbox/internal/service/threads"
	"github.com/ashita-ai/threadbox/internal/storage"
)

// Server is the threadbox HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Limiter, Secrets, MCPServer, OpenAPISpec,
// Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Threads *threads.Service
	Store   storage.Store
	Runtime runtime.Runtime
	Models  *models.Client
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	Secrets   *secrets.Box
	MCPServer *mcpserver.MCPServer

	// CompletionDefaults fill settings that have no stored row.
	CompletionDefaults model.CompletionSettings

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	TrustProxy          bool

	OpenAPISpec []byte
	// Middlewares wrap the whole handler, outermost first, outside the
	// built-in chain.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Threads:             cfg.Threads,
		Store:               cfg.Store,
		Runtime:             cfg.Runtime,
		Models:              cfg.Models,
		Secrets:             cfg.Secrets,
		CompletionDefaults:  cfg.CompletionDefaults,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	limited := func(next http.Handler) http.Handler {
		return rateLimitMiddleware(limiter, cfg.Logger, cfg.TrustProxy, next)
	}

	readRole := requireRole(model.RoleReader)
	writeRole := requireRole(model.RoleOperator)
	adminOnly := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	// Threads.
	mux.Handle("POST /v1/threads", writeRole(limited(http.HandlerFunc(h.HandleCreateThread))))
	mux.Handle("GET /v1/threads", readRole(http.HandlerFunc(h.HandleListThreads)))
	mux.Handle("GET /v1/threads/{thread_id}", readRole(http.HandlerFunc(h.HandleGetThread)))
	mux.Handle("PUT /v1/threads/{thread_id}", writeRole(http.HandlerFunc(h.HandleUpdateThread)))
	mux.Handle("DELETE /v1/threads/{thread_id}", writeRole(http.HandlerFunc(h.HandleDeleteThread)))
	mux.Handle("POST /v1/threads/{thread_id}/start", writeRole(limited(http.HandlerFunc(h.HandleStartThread))))
	mux.Handle("GET /v1/threads/{thread_id}/run", readRole(http.HandlerFunc(h.HandleRunStatus)))

	// Logs.
	mux.Handle("POST /v1/threads/{thread_id}/logs", writeRole(http.HandlerFunc(h.HandleAppendLog)))
	mux.Handle("GET /v1/threads/{thread_id}/logs", readRole(http.HandlerFunc(h.HandleListLogs)))
	mux.Handle("PUT /v1/logs/{log_id}", writeRole(http.HandlerFunc(h.HandleUpdateLog)))
	mux.Handle("DELETE /v1/logs/{log_id}", writeRole(http.HandlerFunc(h.HandleDeleteLog)))

	// Completion settings (admin-only).
	mux.Handle("GET /v1/settings/completion", adminOnly(http.HandlerFunc(h.HandleGetCompletionSettings)))
	mux.Handle("PUT /v1/settings/completion", adminOnly(http.HandlerFunc(h.HandlePutCompletionSettings)))
	mux.Handle("GET /v1/settings/completion/models", adminOnly(http.HandlerFunc(h.HandleListModels)))

	// MCP StreamableHTTP transport (auth required, operator+ since tools write).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", writeRole(mcpHTTP))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// caller middlewares → request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
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
