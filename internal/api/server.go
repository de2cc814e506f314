// Package api serves the operational HTTP surface: liveness, component
// health, readiness, and Prometheus metrics. It carries no trading state
// of its own; every probe is injected by the engine.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
)

// Server runs the HTTP listener for health probes and metrics scrapes.
type Server struct {
	checks Checks
	ready  atomic.Bool
	start  time.Time
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes. Nil members of checks are simply not
// reported.
func NewServer(cfg config.ServerConfig, checks Checks, logger *slog.Logger) *Server {
	s := &Server{
		checks: checks,
		start:  time.Now(),
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetReady marks startup complete. The engine calls it once every
// strategy is running; /ready answers 503 until then.
func (s *Server) SetReady() { s.ready.Store(true) }

// Start serves requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
