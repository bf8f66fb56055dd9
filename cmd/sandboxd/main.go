// Command sandboxd is the entry point for the in-container sandbox
// execution service: a long-lived HTTP server hosting persistent
// interactive shell sessions, a sandbox-wide background process registry,
// and a reverse-proxy port registry.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/api"
	"github.com/kandev/sandboxd/internal/audit"
	"github.com/kandev/sandboxd/internal/common/config"
	"github.com/kandev/sandboxd/internal/common/logger"
	"github.com/kandev/sandboxd/internal/events"
	"github.com/kandev/sandboxd/internal/portregistry"
	"github.com/kandev/sandboxd/internal/processservice"
	"github.com/kandev/sandboxd/internal/processstore"
	"github.com/kandev/sandboxd/internal/sessionmanager"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting sandboxd",
		zap.Int("port", cfg.Server.Port),
		zap.String("default_cwd", cfg.Session.DefaultCwd),
	)

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}

	auditSink, auditCleanup := audit.Provide(cfg.Audit, log)

	sessions := sessionmanager.New(sessionmanager.Defaults{
		Cwd:            cfg.Session.DefaultCwd,
		CommandTimeout: cfg.Session.CommandTimeout(),
		MaxOutputBytes: cfg.Session.MaxOutputSizeBytes,
		PollInterval:   cfg.Session.PollInterval(),
		KillGrace:      cfg.Session.KillGrace(),
		Locale:         cfg.Session.Locale,
	}, eventBus.Bus, log)

	store := processstore.New()
	processes := processservice.New(sessions, store, eventBus.Bus, log)
	processes.SetAuditSink(auditSink)

	ports := portregistry.New(log, eventBus.Bus)

	server := api.New(&cfg.Server, sessions, processes, ports, log)

	go func() {
		log.Info("HTTP server listening", zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sandboxd")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	processes.Destroy()
	ports.Destroy()
	sessions.Destroy(ctx)

	if err := busCleanup(); err != nil {
		log.Error("event bus cleanup error", zap.Error(err))
	}
	auditCleanup()

	log.Info("sandboxd stopped")
}
