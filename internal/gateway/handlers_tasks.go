package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/task"
)

type createTaskRequest struct {
	Project        string         `json:"project" binding:"required"`
	Description    string         `json:"description" binding:"required"`
	Priority       string         `json:"priority"`
	Metadata       map[string]any `json:"metadata"`
	DependsOn      []string       `json:"depends_on"`
	UseOutputFrom  string         `json:"use_output_from"`
	RequiresReview bool           `json:"requires_review"`
	ReviewPrompt   string         `json:"review_prompt"`
	MaxRetries     int            `json:"max_retries"`
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := task.ListFilter{
		Project: c.Query("project"),
		Status:  task.Status(c.Query("status")),
	}
	tasks, err := s.core.Tasks.List(filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority := task.Priority(req.Priority)
	if req.Priority == "" {
		priority = task.PriorityNormal
	}

	created, err := s.core.Tasks.Create(req.Project, req.Description, priority, task.CreateOptions{
		Metadata:       req.Metadata,
		DependsOn:      req.DependsOn,
		UseOutputFrom:  req.UseOutputFrom,
		RequiresReview: req.RequiresReview,
		ReviewPrompt:   req.ReviewPrompt,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.audit(c, audit.ActionTaskCreated, "task", created.ID, nil)
	c.JSON(http.StatusCreated, created)
}

// handleCreateChain creates a sequence of dependent tasks in one call.
// Each task after the first depends on, and may consume the output of,
// its predecessor.
func (s *Server) handleCreateChain(c *gin.Context) {
	var req struct {
		Project string `json:"project" binding:"required"`
		Tasks   []struct {
			Description string `json:"description" binding:"required"`
			Priority    string `json:"priority"`
			UseOutput   bool   `json:"use_output"`
		} `json:"tasks" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Tasks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tasks must not be empty"})
		return
	}

	created := make([]*task.Task, 0, len(req.Tasks))
	prevID := ""
	for _, spec := range req.Tasks {
		priority := task.Priority(spec.Priority)
		if spec.Priority == "" {
			priority = task.PriorityNormal
		}
		opts := task.CreateOptions{}
		if prevID != "" {
			opts.DependsOn = []string{prevID}
			if spec.UseOutput {
				opts.UseOutputFrom = prevID
			}
		}
		t, err := s.core.Tasks.Create(req.Project, spec.Description, priority, opts)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created = append(created, t)
		prevID = t.ID
	}

	s.audit(c, audit.ActionTaskCreated, "task_chain", created[0].ID,
		map[string]any{"length": len(created)})
	c.JSON(http.StatusCreated, gin.H{"tasks": created, "count": len(created)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.core.Tasks.Get(c.Param("id"))
	if err != nil {
		s.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskOutput(c *gin.Context) {
	t, err := s.core.Tasks.Get(c.Param("id"))
	if err != nil {
		s.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     t.ID,
		"status": t.Status,
		"output": s.core.Scrubber.Scrub(t.Output),
		"error":  t.Error,
	})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	t, err := s.core.Tasks.Cancel(c.Param("id"))
	if err != nil {
		s.taskError(c, err)
		return
	}
	s.audit(c, audit.ActionTaskCancelled, "task", t.ID, nil)
	c.JSON(http.StatusOK, t)
}

// handleRunTask claims a specific pending task for its project's agent
// immediately, bypassing the orchestrator's queue order.
func (s *Server) handleRunTask(c *gin.Context) {
	id := c.Param("id")
	t, err := s.core.Tasks.Get(id)
	if err != nil {
		s.taskError(c, err)
		return
	}
	claimed, err := s.core.Tasks.Claim(id, t.Project)
	if err != nil {
		s.taskError(c, err)
		return
	}

	if _, err := s.core.Agents.AssignTask(c.Request.Context(), claimed.Project, claimed.Description, claimed.ID); err != nil {
		// Undo the claim so the task is not stranded in progress.
		if _, failErr := s.core.Tasks.Fail(claimed.ID, err.Error()); failErr != nil {
			s.log.WithError(failErr).Warn("failed to release unrunnable task")
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.audit(c, audit.ActionTaskStarted, "task", id, nil)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": task.StatusInProgress})
}

func (s *Server) handleRetryTask(c *gin.Context) {
	t, err := s.core.Tasks.Retry(c.Param("id"))
	if err != nil {
		s.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handlePendingReview(c *gin.Context) {
	tasks, err := s.core.Tasks.List(task.ListFilter{Status: task.StatusAwaitingReview})
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleReviewTask(c *gin.Context) {
	var req struct {
		Approved    bool   `json:"approved"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reviewer := "api"
	if info := tokenInfo(c); info != nil {
		reviewer = info.Name
	}
	t, err := s.core.Tasks.Review(c.Param("id"), req.Approved, reviewer, req.Description)
	if err != nil {
		s.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskStats(c *gin.Context) {
	stats, err := s.core.Tasks.Stats()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// taskError maps task store errors to status codes.
func (s *Server) taskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, task.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}
