package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/obot-platform/codebroker/internal/broker"
	"github.com/obot-platform/codebroker/internal/config"
	"github.com/obot-platform/codebroker/internal/sandbox/docker"
	"github.com/obot-platform/codebroker/internal/version"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)
	logger.Info("codebroker starting", "version", version.Get())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	adapter, err := docker.New(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("failed to initialize docker sandbox adapter: %v", err)
	}
	logger.Info("docker sandbox adapter initialized", "image", cfg.SandboxImage, "network", cfg.DockerNetwork)

	srv := broker.New(cfg, adapter, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("broker server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("broker stopped")
}

// newLogger builds the process-wide structured logger, optionally
// redirecting it to cfg.LogFile instead of stderr.
func newLogger(cfg *config.Config) *slog.Logger {
	out := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("warning: failed to open log file %s: %v, logging to stderr", cfg.LogFile, err)
		} else {
			out = f
		}
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler)
}
