// Package server wires the HTTP surface: the orchestrator's request and
// management handlers behind the configured middleware chains, served on
// the address from the [config] section with a graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crispinlab/cc-proxy/internal/config"
	"github.com/crispinlab/cc-proxy/internal/history"
	"github.com/crispinlab/cc-proxy/internal/middleware"
	"github.com/crispinlab/cc-proxy/internal/orchestrator"
)

const historyFilename = "history.db"

type Server struct {
	config       *config.Manager
	logger       *slog.Logger
	store        *history.Store
	metrics      *middleware.MetricsRegistry
	orchestrator *orchestrator.Orchestrator
	server       *http.Server
}

// New opens the history store and builds the orchestrator from the
// manager's current configuration snapshot.
func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	dbPath := filepath.Join(filepath.Dir(configManager.GetPath()), historyFilename)

	store, err := history.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("server: opening history store: %w", err)
	}

	metrics := middleware.NewMetricsRegistry()

	orch, err := orchestrator.New(configManager, store, logger, metrics)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server: building orchestrator: %w", err)
	}

	return &Server{
		config:       configManager,
		logger:       logger,
		store:        store,
		metrics:      metrics,
		orchestrator: orch,
	}, nil
}

func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port)

	mux := s.setupRoutes()

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("starting server", "address", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("server is shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.orchestrator.Close()

	if err := s.store.Close(); err != nil {
		s.logger.Error("closing history store", "error", err)
	}

	s.logger.Info("server exited")
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

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger, s.metrics)

	route := func(path string, handler http.HandlerFunc) {
		mux.Handle(path, middlewareSet.ForRoute(path).Handler(handler))
	}
	public := func(path string, handler http.HandlerFunc) {
		mux.Handle(path, middlewareSet.PublicChain(path).Handler(handler))
	}

	route("/v1/messages", s.orchestrator.ServeMessages)
	route("/v1/messages/count_tokens", s.orchestrator.ServeCountTokens)
	route("/api/config/get", s.orchestrator.ServeConfigGet)
	route("/api/config/update", s.orchestrator.ServeConfigUpdate)
	route("/api/history", s.orchestrator.ServeHistory)
	route("/api/summary", s.orchestrator.ServeSummary)

	public("/health", s.orchestrator.ServeHealth)
	public("/metrics", s.metrics.Handler().ServeHTTP)

	return mux
}
