package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/auth"
)

const (
	ctxRequestID = "request_id"
	ctxToken     = "token_info"
)

// publicPaths require no token at all.
var publicPaths = map[string]bool{
	"/":       true,
	"/health": true,
	"/docs":   true,
}

// optionalAuthPaths accept a missing token; /ws clients may authenticate
// with their first message instead.
var optionalAuthPaths = map[string]bool{
	"/ws": true,
}

// routePermissions maps "METHOD pattern" to the permission it requires.
// Patterns are gin route patterns, matched against c.FullPath().
var routePermissions = map[string]auth.Permission{
	"GET /status":   auth.PermStatusRead,
	"GET /projects": auth.PermProjectsRead,

	"GET /tasks":                 auth.PermTasksRead,
	"POST /tasks":                auth.PermTasksCreate,
	"GET /tasks/stats":           auth.PermTasksRead,
	"GET /tasks/pending-review":  auth.PermTasksRead,
	"POST /tasks/chain":          auth.PermTasksCreate,
	"GET /tasks/:id":             auth.PermTasksRead,
	"GET /tasks/:id/output":      auth.PermTasksRead,
	"POST /tasks/:id/cancel":     auth.PermTasksCancel,
	"POST /tasks/:id/run":        auth.PermTasksCreate,
	"POST /tasks/:id/retry":      auth.PermTasksCreate,
	"POST /tasks/:id/review":     auth.PermTasksCreate,
	"POST /agents/:project/assign": auth.PermTasksCreate,

	"GET /agents":                auth.PermAgentsRead,
	"POST /agents/spawn":         auth.PermAgentsSpawn,
	"GET /agents/:project":       auth.PermAgentsRead,
	"POST /agents/:project/stop": auth.PermAgentsStop,
	"POST /agents/:project/retry": auth.PermAgentsSpawn,
	"GET /agents/:project/logs":  auth.PermLogsRead,

	"GET /processes":                      auth.PermProcessesRead,
	"POST /processes":                     auth.PermProcessesManage,
	"GET /processes/:id":                  auth.PermProcessesRead,
	"POST /processes/:id/start":           auth.PermProcessesManage,
	"POST /processes/:id/stop":            auth.PermProcessesManage,
	"POST /processes/:id/restart":         auth.PermProcessesManage,
	"GET /processes/:id/logs":             auth.PermLogsRead,
	"POST /processes/:id/create-fix-task": auth.PermTasksCreate,
	"POST /projects/:project/detect-processes": auth.PermProcessesManage,

	"GET /ports":                      auth.PermStatusRead,
	"POST /ports/assign":              auth.PermPortsManage,
	"POST /ports/set":                 auth.PermPortsManage,
	"DELETE /ports/:project/:service": auth.PermPortsManage,

	"GET /tokens":        auth.PermTokensManage,
	"POST /tokens":       auth.PermTokensManage,
	"DELETE /tokens/:id": auth.PermTokensManage,

	"GET /events":       auth.PermEventsRead,
	"GET /audit":        auth.PermAuditRead,
	"GET /audit/verify": auth.PermAuditRead,

	"GET /orchestrator/status": auth.PermStatusRead,
	"POST /orchestrator/start": auth.PermOrchestrate,
	"POST /orchestrator/stop":  auth.PermOrchestrate,
}

// requestID assigns a request id and echoes it in the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// window is a sliding-window hit counter. Expired hits are pruned
// lazily on each check.
type window struct {
	hits []time.Time
}

func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept
}

// rateLimiter tracks per-client second and minute windows.
type rateLimiter struct {
	mu        sync.Mutex
	perSecond int
	perMinute int
	seconds   map[string]*window
	minutes   map[string]*window
}

func newRateLimiter(perSecond, perMinute int) *rateLimiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &rateLimiter{
		perSecond: perSecond,
		perMinute: perMinute,
		seconds:   make(map[string]*window),
		minutes:   make(map[string]*window),
	}
}

func (rl *rateLimiter) allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	sec := rl.seconds[clientID]
	if sec == nil {
		sec = &window{}
		rl.seconds[clientID] = sec
	}
	min := rl.minutes[clientID]
	if min == nil {
		min = &window{}
		rl.minutes[clientID] = min
	}
	sec.prune(now, time.Second)
	min.prune(now, time.Minute)

	// A rejected request consumes neither window.
	if len(sec.hits) >= rl.perSecond || len(min.hits) >= rl.perMinute {
		return false
	}
	sec.hits = append(sec.hits, now)
	min.hits = append(min.hits, now)
	return true
}

// clientID keys rate limiting on the token prefix when present, falling
// back to the forwarded-for header, then the peer address.
func clientID(c *gin.Context) string {
	if tok := bearerToken(c); tok != "" {
		if len(tok) > 12 {
			tok = tok[:12]
		}
		return "tok:" + tok
	}
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		return "fwd:" + strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return "ip:" + c.ClientIP()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := clientID(c)
		if s.limit.allow(id) {
			c.Next()
			return
		}
		s.core.Audit.MustRecord(audit.Event{
			Action:    audit.ActionSecurityRateLimit,
			ActorType: audit.ActorUser,
			ActorIP:   c.ClientIP(),
			RequestID: c.GetString(ctxRequestID),
			Status:    audit.StatusDenied,
			Metadata:  map[string]any{"client_id": id, "path": c.Request.URL.Path},
		})
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}

// authenticate validates the bearer token and attaches its record.
// Public paths skip; optional-auth paths pass through without a token.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if publicPaths[path] {
			c.Next()
			return
		}

		tok := bearerToken(c)
		if tok == "" {
			if optionalAuthPaths[path] {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		info, err := s.core.Auth.ValidateToken(tok)
		if err != nil {
			s.core.Audit.MustRecord(audit.Event{
				Action:    audit.ActionAuthLoginFailed,
				ActorType: audit.ActorUser,
				ActorIP:   c.ClientIP(),
				RequestID: c.GetString(ctxRequestID),
				Status:    audit.StatusDenied,
				Error:     "invalid token",
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxToken, info)
		c.Next()
	}
}

// authorize checks the route permission table against the token role.
func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" || publicPaths[path] || optionalAuthPaths[path] {
			c.Next()
			return
		}

		perm, known := routePermissions[c.Request.Method+" "+path]
		if !known {
			c.Next()
			return
		}

		info := tokenInfo(c)
		if info == nil || !info.Role.HasPermission(perm) {
			role := auth.Role("")
			tokenID := ""
			if info != nil {
				role = info.Role
				tokenID = info.ID
			}
			s.core.Audit.MustRecord(audit.Event{
				Action:       audit.ActionAuthDenied,
				ActorType:    audit.ActorUser,
				ActorID:      tokenID,
				ActorIP:      c.ClientIP(),
				ResourceType: "endpoint",
				ResourceID:   c.Request.URL.Path,
				RequestID:    c.GetString(ctxRequestID),
				Status:       audit.StatusDenied,
				Metadata:     map[string]any{"permission": string(perm), "role": string(role)},
			})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// tokenInfo returns the authenticated token record, if any.
func tokenInfo(c *gin.Context) *auth.TokenInfo {
	v, ok := c.Get(ctxToken)
	if !ok {
		return nil
	}
	info, _ := v.(*auth.TokenInfo)
	return info
}
