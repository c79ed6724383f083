// Package gateway exposes the command center over HTTP and WebSocket.
//
// All state lives in the core; the gateway is a thin layer of gin
// handlers plus the middleware chain (request id, rate limit, authn,
// authz) and the /ws hub.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adt-sh/adt/internal/common/httpmw"
	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/core"
)

// Server is the HTTP/WS gateway over a core.
type Server struct {
	core   *core.Core
	log    *logger.Logger
	router *gin.Engine
	hub    *Hub
	http   *http.Server
	limit  *rateLimiter
}

// New builds the gateway router over the given core.
func New(c *core.Core, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		core:  c,
		log:   log,
		hub:   newHub(c, log),
		limit: newRateLimiter(c.Config.RateLimit.PerSecond, c.Config.RateLimit.PerMinute),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(httpmw.OtelTracing("gateway"))
	r.Use(httpmw.RequestLogger(log, "gateway"))
	r.Use(s.rateLimit())
	r.Use(s.authenticate())
	r.Use(s.authorize())

	s.routes(r)
	s.router = r
	return s
}

// Handler returns the underlying http handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// routes wires the endpoint surface. Permission requirements live in
// the route table consulted by the authorize middleware.
func (s *Server) routes(r *gin.Engine) {
	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/docs", s.handleDocs)
	r.GET("/status", s.handleStatus)
	r.GET("/projects", s.handleListProjects)
	r.POST("/projects/:project/detect-processes", s.handleDetectProcesses)

	r.GET("/tasks", s.handleListTasks)
	r.POST("/tasks", s.handleCreateTask)
	r.GET("/tasks/stats", s.handleTaskStats)
	r.GET("/tasks/pending-review", s.handlePendingReview)
	r.POST("/tasks/chain", s.handleCreateChain)
	r.GET("/tasks/:id", s.handleGetTask)
	r.GET("/tasks/:id/output", s.handleTaskOutput)
	r.POST("/tasks/:id/cancel", s.handleCancelTask)
	r.POST("/tasks/:id/run", s.handleRunTask)
	r.POST("/tasks/:id/retry", s.handleRetryTask)
	r.POST("/tasks/:id/review", s.handleReviewTask)

	r.GET("/agents", s.handleListAgents)
	r.POST("/agents/spawn", s.handleSpawnAgent)
	r.GET("/agents/:project", s.handleGetAgent)
	r.POST("/agents/:project/stop", s.handleStopAgent)
	r.POST("/agents/:project/retry", s.handleRetryAgent)
	r.GET("/agents/:project/logs", s.handleAgentLogs)
	r.POST("/agents/:project/assign", s.handleAssignTask)

	r.GET("/processes", s.handleListProcesses)
	r.POST("/processes", s.handleRegisterProcess)
	r.GET("/processes/:id", s.handleGetProcess)
	r.POST("/processes/:id/start", s.handleStartProcess)
	r.POST("/processes/:id/stop", s.handleStopProcess)
	r.POST("/processes/:id/restart", s.handleRestartProcess)
	r.GET("/processes/:id/logs", s.handleProcessLogs)
	r.POST("/processes/:id/create-fix-task", s.handleCreateFixTask)

	r.GET("/ports", s.handleListPorts)
	r.POST("/ports/assign", s.handleAssignPort)
	r.POST("/ports/set", s.handleSetPort)
	r.DELETE("/ports/:project/:service", s.handleReleasePort)

	r.GET("/tokens", s.handleListTokens)
	r.POST("/tokens", s.handleCreateToken)
	r.DELETE("/tokens/:id", s.handleDeleteToken)

	r.GET("/events", s.handleListEvents)
	r.GET("/audit", s.handleQueryAudit)
	r.GET("/audit/verify", s.handleVerifyAudit)

	r.GET("/orchestrator/status", s.handleOrchestratorStatus)
	r.POST("/orchestrator/start", s.handleOrchestratorStart)
	r.POST("/orchestrator/stop", s.handleOrchestratorStop)

	r.GET("/ws", s.handleWebSocket)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.core.Config.Server
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("gateway listening on " + s.http.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeoutDuration())
	defer cancel()
	s.hub.CloseAll()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "adt",
		"version": "dev",
		"docs":    "/docs",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDocs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"endpoints": docEndpoints,
	})
}

var docEndpoints = []string{
	"GET /health",
	"GET /status",
	"GET /projects",
	"GET|POST /tasks, GET /tasks/{id}, POST /tasks/{id}/cancel|run|retry|review",
	"GET /tasks/{id}/output, GET /tasks/pending-review, POST /tasks/chain, GET /tasks/stats",
	"GET /agents, POST /agents/spawn, GET /agents/{project}",
	"POST /agents/{project}/stop|retry|assign, GET /agents/{project}/logs",
	"GET|POST /processes, POST /processes/{id}/start|stop|restart|create-fix-task",
	"GET /processes/{id}/logs, POST /projects/{project}/detect-processes",
	"GET /ports, POST /ports/assign|set, DELETE /ports/{project}/{service}",
	"GET|POST /tokens, DELETE /tokens/{id}",
	"GET /events, GET /audit, GET /audit/verify",
	"GET /orchestrator/status, POST /orchestrator/start|stop",
	"WS /ws",
}
