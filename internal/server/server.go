// Package server implements the machi HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/machi/internal/contextasm"
	"github.com/ashita-ai/machi/internal/correlation"
	"github.com/ashita-ai/machi/internal/inbox"
	"github.com/ashita-ai/machi/internal/ratelimit"
	"github.com/ashita-ai/machi/internal/runstate"
	"github.com/ashita-ai/machi/internal/storage"
)

// Server is the machi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Limiter.
type Config struct {
	// Required dependencies.
	Store       storage.Store
	Correlation *correlation.Manager
	Runs        *runstate.Machine
	Assembler   *contextasm.Assembler
	Inbox       *inbox.Inbox
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker  *Broker
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	SecretKey           string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	h := &Handlers{
		store:               cfg.Store,
		corr:                cfg.Correlation,
		runs:                cfg.Runs,
		assembler:           cfg.Assembler,
		inbox:               cfg.Inbox,
		broker:              cfg.Broker,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		storeName:           cfg.StoreName,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Tool workers.
	mux.Handle("POST /v1/runs/{run_id}/tool-results", limited(http.HandlerFunc(h.HandleToolResult)))
	mux.Handle("GET /v1/tools/stream", http.HandlerFunc(h.HandleToolStream)) // long-lived, not rate limited

	// Runs.
	mux.Handle("GET /v1/runs/{run_id}", limited(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", limited(http.HandlerFunc(h.HandleCancelRun)))
	mux.Handle("GET /v1/runs/{run_id}/context", limited(http.HandlerFunc(h.HandleRunContext)))

	// Triggers.
	mux.Handle("POST /v1/agents/{agent_id}/trigger", limited(http.HandlerFunc(h.HandleServiceTrigger)))
	mux.Handle("POST /v1/agents/{agent_id}/plans/{plan_id}/fire", limited(http.HandlerFunc(h.HandleFirePlan)))
	mux.Handle("POST /v1/spaces/{space_id}/messages", limited(http.HandlerFunc(h.HandlePostMessage)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = secretKeyMiddleware(cfg.SecretKey, handler)
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
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// isPublicPath reports whether path skips secret-key auth.
func isPublicPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}
