package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/careloop-ai/careloop/internal/ratelimit"
)

// Server is the Careloop HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional (nil-safe): Limiter.
type ServerConfig struct {
	Handlers *Handlers
	Logger   *slog.Logger
	Limiter  ratelimit.Limiter

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers

	mux := http.NewServeMux()

	// Submission surface. All four publish-and-acknowledge, rate limited by
	// client IP when a limiter is configured.
	submitRL := ratelimit.Middleware(cfg.Limiter, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	})
	mux.Handle("POST /api/request-booking", submitRL(http.HandlerFunc(h.HandleRequestBooking)))
	mux.Handle("POST /api/submit-symptoms", submitRL(http.HandlerFunc(h.HandleSubmitSymptoms)))
	mux.Handle("POST /api/events", submitRL(http.HandlerFunc(h.HandleSubmitEvent)))
	mux.Handle("POST /api/agents/run", submitRL(http.HandlerFunc(h.HandleSubmitRun)))

	// Query surface.
	mux.HandleFunc("GET /api/agents/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /api/state", h.HandleState)

	// Streaming surface (long-lived connections, no write timeout).
	mux.HandleFunc("GET /api/agents/runs/{run_id}/stream", h.HandleRunStream)
	mux.HandleFunc("GET /api/events/stream", h.HandleEventStream)

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
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

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
