package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/adt-sh/adt/internal/agent"
	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/project"
)

func (s *Server) handleListAgents(c *gin.Context) {
	states := s.core.Agents.List()
	c.JSON(http.StatusOK, gin.H{"agents": states, "count": len(states)})
}

func (s *Server) handleSpawnAgent(c *gin.Context) {
	var req struct {
		Project  string `json:"project" binding:"required"`
		Provider string `json:"provider"`
		Worktree string `json:"worktree"`
		Task     string `json:"task"`
		TaskID   string `json:"task_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := s.core.Agents.Spawn(c.Request.Context(), req.Project, agent.SpawnOptions{
		Provider: req.Provider,
		Worktree: req.Worktree,
		Task:     req.Task,
		TaskID:   req.TaskID,
	})
	if err != nil {
		s.agentError(c, err)
		return
	}

	s.audit(c, audit.ActionAgentSpawn, "agent", req.Project, nil)
	c.JSON(http.StatusCreated, state)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	state := s.core.Agents.Get(c.Param("project"))
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no agent session for project"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleStopAgent(c *gin.Context) {
	proj := c.Param("project")
	force := c.Query("force") == "true"

	if err := s.core.Agents.Stop(c.Request.Context(), proj, force); err != nil {
		s.agentError(c, err)
		return
	}
	s.audit(c, audit.ActionAgentStop, "agent", proj, map[string]any{"force": force})
	c.JSON(http.StatusOK, gin.H{"project": proj, "status": agent.StatusStopped})
}

// handleRetryAgent respawns a stopped or errored session, optionally
// with a fresh task.
func (s *Server) handleRetryAgent(c *gin.Context) {
	proj := c.Param("project")
	var req struct {
		Task string `json:"task"`
	}
	_ = c.ShouldBindJSON(&req)

	state := s.core.Agents.Get(proj)
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no agent session for project"})
		return
	}
	if !state.Status.Spawnable() {
		c.JSON(http.StatusConflict, gin.H{"error": "agent is not in a retryable state"})
		return
	}

	task := req.Task
	if task == "" {
		task = state.CurrentTask
	}
	fresh, err := s.core.Agents.Spawn(c.Request.Context(), proj, agent.SpawnOptions{
		Provider: state.Provider,
		Worktree: state.Worktree,
		Task:     task,
		TaskID:   state.TaskID,
	})
	if err != nil {
		s.agentError(c, err)
		return
	}

	s.audit(c, audit.ActionAgentRetry, "agent", proj, nil)
	c.JSON(http.StatusOK, fresh)
}

func (s *Server) handleAgentLogs(c *gin.Context) {
	lines := 100
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
			return
		}
		lines = n
	}

	logs, err := s.core.Agents.GetLogs(c.Param("project"), lines)
	if err != nil {
		s.agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": c.Param("project"), "logs": logs})
}

func (s *Server) handleAssignTask(c *gin.Context) {
	proj := c.Param("project")
	var req struct {
		Task   string `json:"task" binding:"required"`
		TaskID string `json:"task_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := s.core.Agents.AssignTask(c.Request.Context(), proj, req.Task, req.TaskID)
	if err != nil {
		s.agentError(c, err)
		return
	}
	s.audit(c, audit.ActionAgentTaskAssigned, "agent", proj, map[string]any{"task_id": req.TaskID})
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.core.Projects.List()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

// agentError maps agent supervisor errors to status codes.
func (s *Server) agentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agent.ErrAlreadyRunning), errors.Is(err, agent.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, agent.ErrNotRunning), errors.Is(err, project.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}
