package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/auth"
)

func (s *Server) handleStatus(c *gin.Context) {
	taskStats, err := s.core.Tasks.Stats()
	if err != nil {
		s.internalError(c, err)
		return
	}
	agents := s.core.Agents.List()
	working := 0
	for _, a := range agents {
		if a.Status == "working" {
			working++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": gin.H{
			"total":   len(agents),
			"working": working,
		},
		"tasks":        taskStats,
		"processes":    len(s.core.Procs.ListRunning()),
		"clients":      s.hub.ClientCount(),
		"orchestrator": s.core.Orch.Running(),
	})
}

func (s *Server) handleListTokens(c *gin.Context) {
	tokens, err := s.core.Auth.ListTokens()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

func (s *Server) handleCreateToken(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		Role      string `json:"role" binding:"required"`
		ExpiresIn int    `json:"expires_in_hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	createdBy := ""
	if info := tokenInfo(c); info != nil {
		createdBy = info.ID
	}
	plain, info, err := s.core.Auth.CreateToken(req.Name, auth.Role(req.Role),
		time.Duration(req.ExpiresIn)*time.Hour, createdBy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.audit(c, audit.ActionAuthTokenCreated, "token", info.ID,
		map[string]any{"name": req.Name, "role": req.Role})
	// The plaintext token appears in this response and nowhere else.
	c.JSON(http.StatusCreated, gin.H{"token": plain, "info": info})
}

func (s *Server) handleDeleteToken(c *gin.Context) {
	id := c.Param("id")
	revoke := c.Query("revoke") == "true"

	var ok bool
	var err error
	if revoke {
		ok, err = s.core.Auth.RevokeToken(id)
	} else {
		ok, err = s.core.Auth.DeleteToken(id)
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	s.audit(c, audit.ActionAuthTokenRevoked, "token", id, nil)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleListEvents returns recent events: live history from the bus
// ring by default, the durable journal with ?source=journal.
func (s *Server) handleListEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	if c.Query("source") == "journal" {
		events, err := s.core.Journal.Recent(limit)
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
		return
	}

	events := s.core.Bus.History(limit, c.Query("type"))
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleQueryAudit(c *gin.Context) {
	filter := audit.Filter{
		Action:    c.Query("action"),
		ActorType: c.Query("actor_type"),
		ActorID:   c.Query("actor_id"),
		Status:    c.Query("status"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}

	entries, err := s.core.Audit.Query(filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleVerifyAudit(c *gin.Context) {
	ok, detail, err := s.core.Audit.VerifyIntegrity()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": ok, "detail": detail})
}

func (s *Server) handleOrchestratorStatus(c *gin.Context) {
	stats, err := s.core.Orch.GetStats()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleOrchestratorStart(c *gin.Context) {
	s.core.Orch.Start()
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleOrchestratorStop(c *gin.Context) {
	s.core.Orch.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

// internalError answers 500 with the request id only; detail goes to
// the log, never the client.
func (s *Server) internalError(c *gin.Context, err error) {
	requestID := c.GetString(ctxRequestID)
	s.log.WithError(err).Error("request failed",
		zap.String("request_id", requestID),
		zap.String("path", c.Request.URL.Path))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":      "internal error",
		"request_id": requestID,
	})
}

// audit records an audited action attributed to the request's token.
func (s *Server) audit(c *gin.Context, action audit.Action, resourceType, resourceID string, metadata map[string]any) {
	ev := audit.Event{
		Action:       action,
		ActorType:    audit.ActorUser,
		ActorIP:      c.ClientIP(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    c.GetString(ctxRequestID),
		Metadata:     metadata,
	}
	if info := tokenInfo(c); info != nil {
		ev.ActorID = info.ID
	}
	s.core.Audit.MustRecord(ev)
}
