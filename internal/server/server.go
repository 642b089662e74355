// Package server exposes the gateway's OpenAI-compatible HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/dispatch"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/middleware"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stream"
)

type Server struct {
	config     *config.Manager
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	monitor    *health.Monitor
	metrics    *metrics.Metrics
	pipeline   *stream.Pipeline
	logger     *slog.Logger
	server     *http.Server
}

func New(configManager *config.Manager, reg *registry.Registry, d *dispatch.Dispatcher, mon *health.Monitor, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		config:     configManager,
		registry:   reg,
		dispatcher: d,
		monitor:    mon,
		metrics:    m,
		pipeline:   stream.NewPipeline(m, logger),
		logger:     logger,
	}
}

// Start serves until the process receives SIGINT or SIGTERM, then
// drains in-flight requests before returning.
func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	mux := s.setupRoutes()

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,

		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting server", "address", addr)

	errCh := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	authed := middlewareSet.DefaultChain()
	open := middlewareSet.HealthChain()

	mux.Handle("POST /v1/chat/completions", authed.Handler(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("GET /v1/models", authed.Handler(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /health", open.Handler(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", open.Handler(s.metrics.Handler()))

	return mux
}
