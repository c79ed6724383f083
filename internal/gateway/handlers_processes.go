package gateway

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/ports"
	"github.com/adt-sh/adt/internal/process"
	"github.com/adt-sh/adt/internal/project"
)

func (s *Server) handleListProcesses(c *gin.Context) {
	states := s.core.Procs.List(c.Query("project"))
	c.JSON(http.StatusOK, gin.H{"processes": states, "count": len(states)})
}

func (s *Server) handleRegisterProcess(c *gin.Context) {
	var req struct {
		Project string `json:"project" binding:"required"`
		Name    string `json:"name" binding:"required"`
		Command string `json:"command" binding:"required"`
		Cwd     string `json:"cwd"`
		Type    string `json:"type"`
		Port    int    `json:"port"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		p, err := s.core.Projects.Get(req.Project)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		cwd = p.Path
	}
	procType := process.Type(req.Type)
	if req.Type == "" {
		procType = process.TypeCustom
	}

	state, err := s.core.Procs.Register(req.Project, req.Name, req.Command, cwd, procType, req.Port)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (s *Server) handleGetProcess(c *gin.Context) {
	state, err := s.core.Procs.Get(c.Param("id"))
	if err != nil {
		s.processError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleStartProcess(c *gin.Context) {
	state, err := s.core.Procs.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.processError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleStopProcess(c *gin.Context) {
	force := c.Query("force") == "true"
	state, err := s.core.Procs.Stop(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		s.processError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleRestartProcess(c *gin.Context) {
	state, err := s.core.Procs.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.processError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleProcessLogs(c *gin.Context) {
	lines := 100
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
			return
		}
		lines = n
	}
	logs, err := s.core.Procs.GetLogs(c.Param("id"), lines)
	if err != nil {
		s.processError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "logs": logs})
}

func (s *Server) handleCreateFixTask(c *gin.Context) {
	t, err := s.core.Procs.CreateFixTask(c.Param("id"))
	if err != nil {
		s.processError(c, err)
		return
	}
	s.audit(c, audit.ActionTaskCreated, "task", t.ID,
		map[string]any{"source": "process_supervisor", "process_id": c.Param("id")})
	c.JSON(http.StatusCreated, t)
}

// handleDetectProcesses runs service discovery over a project tree and
// registers everything it finds.
func (s *Server) handleDetectProcesses(c *gin.Context) {
	name := c.Param("project")
	p, err := s.core.Projects.Get(name)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		s.internalError(c, err)
		return
	}

	found := process.Discover(c.Request.Context(), nil, name, p.Path)
	registered := make([]*process.State, 0, len(found))
	for _, d := range found {
		cwd := p.Path
		if d.Cwd != "" {
			cwd = filepath.Join(p.Path, d.Cwd)
		}
		procType := process.TypeDevServer
		if strings.Contains(d.Name, "worker") {
			procType = process.TypeWorker
		}
		state, err := s.core.Procs.Register(name, d.Name, d.Command, cwd, procType, d.DefaultPort)
		if err != nil {
			s.log.WithProject(name).WithError(err).Warn("failed to register discovered process")
			continue
		}
		registered = append(registered, state)
	}
	c.JSON(http.StatusOK, gin.H{"processes": registered, "count": len(registered)})
}

func (s *Server) handleListPorts(c *gin.Context) {
	assignments := s.core.Ports.List(c.Query("project"))
	c.JSON(http.StatusOK, gin.H{"ports": assignments, "count": len(assignments)})
}

func (s *Server) handleAssignPort(c *gin.Context) {
	var req struct {
		Project   string `json:"project" binding:"required"`
		Service   string `json:"service" binding:"required"`
		Preferred int    `json:"preferred"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	port, err := s.core.Ports.Assign(req.Project, req.Service, req.Preferred)
	if err != nil {
		s.portError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": req.Project, "service": req.Service, "port": port})
}

func (s *Server) handleSetPort(c *gin.Context) {
	var req struct {
		Project string `json:"project" binding:"required"`
		Service string `json:"service" binding:"required"`
		Port    int    `json:"port" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.core.Ports.Set(req.Project, req.Service, req.Port); err != nil {
		s.portError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": req.Project, "service": req.Service, "port": req.Port})
}

func (s *Server) handleReleasePort(c *gin.Context) {
	if err := s.core.Ports.Release(c.Param("project"), c.Param("service")); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (s *Server) processError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, process.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
	case errors.Is(err, process.ErrAlreadyRunning), errors.Is(err, process.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

func (s *Server) portError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ports.ErrPortUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ports.ErrNoPorts):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}
