// Package broker implements the Broker Server (C8): it owns the
// process-wide singletons (Sandbox Adapter, Registry, Health Gate, logger),
// wires the HTTP/WebSocket router, and drives graceful shutdown.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/obot-platform/codebroker/internal/config"
	"github.com/obot-platform/codebroker/internal/handler"
	"github.com/obot-platform/codebroker/internal/healthgate"
	"github.com/obot-platform/codebroker/internal/middleware"
	"github.com/obot-platform/codebroker/internal/registry"
	"github.com/obot-platform/codebroker/internal/sandbox"
	"github.com/obot-platform/codebroker/internal/sandboxhttp"
	"github.com/obot-platform/codebroker/internal/session"
)

// Server is the Broker Server (C8).
type Server struct {
	cfg      *config.Config
	adapter  sandbox.Adapter
	registry *registry.Registry
	gate     *healthgate.Gate
	logger   *slog.Logger
	httpSrv  *http.Server

	healthMu       sync.Mutex
	healthCache    string
	healthCacheAt  time.Time
	shuttingDown   atomic.Bool
}

// New wires the Broker Server's singletons and HTTP router.
func New(cfg *config.Config, adapter sandbox.Adapter, logger *slog.Logger) *Server {
	sessionCfg := session.Config{
		AdapterCreateTimeout: cfg.AdapterCreateTimeout,
		AdapterResizeTimeout: cfg.AdapterResizeTimeout,
		AdapterStopTimeout:   cfg.AdapterStopTimeout,
		AdapterRemoveTimeout: cfg.AdapterRemoveTimeout,
		StopGrace:            3 * time.Second,
		IdleTimeout:          cfg.IdleTimeout,
		MaxLifetime:          cfg.MaxLifetime,
		MaxInputBytes:        cfg.MaxInputBytes,
		MaxChunkBytes:        cfg.MaxChunkBytes,
		PreserveAnsi:         cfg.PreserveAnsi,
		PreserveControlChars: cfg.PreserveControlChars,
	}

	reg := registry.New(adapter, sessionCfg, cfg.MaxSessionsPerConnection, cfg.MaxGlobalSessions, logger)
	gate := healthgate.New(cfg.BackoffBaseSeconds, cfg.BackoffMaxSeconds)

	s := &Server{
		cfg:      cfg,
		adapter:  adapter,
		registry: reg,
		gate:     gate,
		logger:   logger.With("component", "broker"),
	}

	connHandler := handler.New(cfg, reg, gate, logger)
	execHandler := sandboxhttp.New(cfg, adapter, reg, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SanitizedLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/terminal", connHandler.ServeWS)
	r.Post("/v1/exec", execHandler.Exec)
	r.Get("/v1/sessions/{id}/status", execHandler.Status)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("broker listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections, giving the HTTP server up to
// ShutdownGrace to drain, then stops every live session, waiting up to
// ShutdownGrace for each one's cleanup (§4.8).
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}

	s.registry.RemoveAll("server shutting down", s.cfg.ShutdownGrace)

	if closer, ok := s.adapter.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Sandbox  string `json:"sandbox"`
	Sessions int    `json:"sessions"`
}

// handleHealth serves GET /health. It never probes the adapter more often
// than HealthCacheInterval (§4.8).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sandboxStatus := s.cachedSandboxHealth(r.Context())

	status := "ok"
	if sandboxStatus != "ok" {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:   status,
		Sandbox:  sandboxStatus,
		Sessions: s.registry.Size(),
	})
}

func (s *Server) cachedSandboxHealth(ctx context.Context) string {
	s.healthMu.Lock()
	if time.Since(s.healthCacheAt) < s.cfg.HealthCacheInterval && s.healthCache != "" {
		cached := s.healthCache
		s.healthMu.Unlock()
		return cached
	}
	s.healthMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := "ok"
	if err := s.adapter.Ping(pingCtx); err != nil {
		status = "unavailable"
	}

	s.healthMu.Lock()
	s.healthCache = status
	s.healthCacheAt = time.Now()
	s.healthMu.Unlock()

	return status
}
