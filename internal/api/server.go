// Package api wires the gin-gonic HTTP surface described in spec.md §6.1
// around the core components, grounded on
// internal/orchestrator/api/middleware.go's router-construction idiom.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sandboxd/internal/common/config"
	"github.com/kandev/sandboxd/internal/common/httpmw"
	"github.com/kandev/sandboxd/internal/common/logger"
	"github.com/kandev/sandboxd/internal/portregistry"
	"github.com/kandev/sandboxd/internal/processservice"
	"github.com/kandev/sandboxd/internal/sessionmanager"
)

// Server is the HTTP control plane (spec §6.1), bound to cfg.Host:cfg.Port
// (the control-plane port 3000 by default).
type Server struct {
	log        *logger.Logger
	router     *gin.Engine
	httpServer *http.Server

	sessions  *sessionmanager.Manager
	processes *processservice.Service
	ports     *portregistry.Registry
}

// New constructs the gin router and wraps it in an http.Server configured
// from cfg.Server (spec §6.1).
func New(cfg *config.ServerConfig, sessions *sessionmanager.Manager, processes *processservice.Service, ports *portregistry.Registry, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpmw.Recovery(log), httpmw.RequestLogger(log), httpmw.CORS(), httpmw.ErrorHandler(log))

	s := &Server{
		log:       log.WithFields(),
		router:    router,
		sessions:  sessions,
		processes: processes,
		ports:     ports,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	{
		api.POST("/session/create", s.handleCreateSession)
		api.GET("/session/list", s.handleListSessions)
		api.GET("/session/:id/attach", s.handleSessionAttach)

		api.POST("/execute", s.handleExecute)
		api.POST("/execute/stream", s.handleExecuteStream)

		api.POST("/process/start", s.handleStartProcess)
		api.GET("/process/list", s.handleListProcesses)
		api.GET("/process/:id", s.handleGetProcess)
		api.DELETE("/process/:id", s.handleKillProcess)
		api.GET("/process/:id/logs", s.handleProcessLogs)
		api.GET("/process/:id/stream", s.handleProcessStream)
		api.DELETE("/process/kill-all", s.handleKillAllProcesses)

		api.POST("/expose-port", s.handleExposePort)
		api.GET("/exposed-ports", s.handleListExposedPorts)
		api.DELETE("/exposed-ports/:port", s.handleUnexposePort)
	}

	s.router.Any("/proxy/:port/*path", s.handleProxy)
}

// ListenAndServe starts the HTTP server, blocking until it returns
// (normally http.ErrServerClosed after Shutdown).
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
