// Package api exposes the query engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"codeintel/internal/backend"
	"codeintel/internal/jobs"
	"codeintel/internal/logging"
)

// Server is the HTTP front of the query engine.
type Server struct {
	router      *http.ServeMux
	server      *http.Server
	addr        string
	logger      *logging.Logger
	backend     *backend.Backend
	jobs        *jobs.Store
	storageRoot string
}

// NewServer creates an HTTP server over the backend and jobs store.
func NewServer(addr string, b *backend.Backend, jobStore *jobs.Store, storageRoot string, logger *logging.Logger) *Server {
	s := &Server{
		addr:        addr,
		logger:      logger,
		backend:     b,
		jobs:        jobStore,
		storageRoot: storageRoot,
		router:      http.NewServeMux(),
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.applyMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// applyMiddleware wraps the handler with middleware in the correct order.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = CORSMiddleware()(handler)
	return handler
}
