// Package server hosts the HTTP API surface of the engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantfold/arbengine/internal/server/handler"
	"github.com/quantfold/arbengine/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered, which is how operating modes shape the API
// surface.
type Handlers struct {
	Health      *handler.Health
	Opportunity *handler.Opportunity
	Execution   *handler.Execution
	Inventory   *handler.Inventory
	Maker       *handler.Maker
}

// Server is the headless HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and the middleware
// chain (CORS, logging, auth) applied.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health endpoints stay outside auth so orchestrators can probe them.
	if handlers.Health != nil {
		mux.HandleFunc("GET /health/live", handlers.Health.Live)
		mux.HandleFunc("GET /health/ready", handlers.Health.Ready)
	}

	authed := http.NewServeMux()
	if handlers.Opportunity != nil {
		authed.HandleFunc("GET /api/v1/opportunities", handlers.Opportunity.List)
		authed.HandleFunc("GET /api/v1/opportunities/history", handlers.Opportunity.History)
		authed.HandleFunc("GET /api/v1/opportunities/{id}", handlers.Opportunity.Get)
	}
	if handlers.Execution != nil {
		authed.HandleFunc("GET /api/v1/plans", handlers.Execution.List)
		authed.HandleFunc("POST /api/v1/plans", handlers.Execution.Launch)
		authed.HandleFunc("GET /api/v1/plans/{id}", handlers.Execution.Get)
		authed.HandleFunc("DELETE /api/v1/plans/{id}", handlers.Execution.Cancel)
	}
	if handlers.Inventory != nil {
		authed.HandleFunc("GET /api/v1/inventory", handlers.Inventory.List)
		authed.HandleFunc("GET /api/v1/inventory/{asset}", handlers.Inventory.Get)
	}
	if handlers.Maker != nil {
		authed.HandleFunc("GET /api/v1/maker/pairs", handlers.Maker.Status)
		authed.HandleFunc("POST /api/v1/maker/pairs/{asset}/{fiat}/start", handlers.Maker.Start)
		authed.HandleFunc("POST /api/v1/maker/pairs/{asset}/{fiat}/stop", handlers.Maker.Stop)
		authed.HandleFunc("POST /api/v1/maker/pairs/{asset}/{fiat}/revive", handlers.Maker.Revive)
	}
	mux.Handle("/api/", middleware.Auth(cfg.APIKey)(authed))

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
