package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/dmfship/internal/config"
	"github.com/BadgerOps/dmfship/internal/engine"
	"github.com/BadgerOps/dmfship/internal/invoke"
)

// maxEventBytes bounds the body of a delivery request.
const maxEventBytes = 64 << 10

// Invoker runs deliveries on behalf of the server.
type Invoker interface {
	Handle(ctx context.Context, ev invoke.Event) invoke.Response
	LastRun() *engine.RunTracker
}

// Server exposes delivery invocations over HTTP.
type Server struct {
	invoker    Invoker
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	running    atomic.Bool
	version    string
}

// NewServer creates a new Server instance.
func NewServer(inv Invoker, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		invoker: inv,
		config:  cfg,
		logger:  logger,
		version: "dev",
	}
}

// SetVersion sets the version reported by the health endpoint.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	mux := s.setupRoutes()

	// a delivery holds the request open for up to the run deadline
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.config.Transfer.Timeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/deliver", s.handleDeliver)

	return mux
}
