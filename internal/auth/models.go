package auth

import "time"

// Role classifies what a token is allowed to do.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleAgent    Role = "agent"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer, RoleAgent:
		return true
	}
	return false
}

// Permission is a named capability checked by the gateway.
type Permission string

const (
	// Admin only
	PermTokensManage  Permission = "tokens.manage"
	PermConfigWrite   Permission = "config.write"
	PermSecretsManage Permission = "secrets.manage"
	PermAuditRead     Permission = "audit.read"

	// Operator and above
	PermAgentsSpawn     Permission = "agents.spawn"
	PermAgentsStop      Permission = "agents.stop"
	PermTasksCreate     Permission = "tasks.create"
	PermTasksCancel     Permission = "tasks.cancel"
	PermProcessesManage Permission = "processes.manage"
	PermPortsManage     Permission = "ports.manage"
	PermOrchestrate     Permission = "orchestrator.manage"

	// Viewer and above
	PermAgentsRead    Permission = "agents.read"
	PermTasksRead     Permission = "tasks.read"
	PermLogsRead      Permission = "logs.read"
	PermStatusRead    Permission = "status.read"
	PermProjectsRead  Permission = "projects.read"
	PermProcessesRead Permission = "processes.read"
	PermEventsRead    Permission = "events.read"

	// Agent-to-server
	PermHeartbeat  Permission = "heartbeat"
	PermTaskUpdate Permission = "task.update"
	PermLogsWrite  Permission = "logs.write"
)

var allPermissions = []Permission{
	PermTokensManage, PermConfigWrite, PermSecretsManage, PermAuditRead,
	PermAgentsSpawn, PermAgentsStop, PermTasksCreate, PermTasksCancel,
	PermProcessesManage, PermPortsManage, PermOrchestrate,
	PermAgentsRead, PermTasksRead, PermLogsRead, PermStatusRead, PermProjectsRead,
	PermProcessesRead, PermEventsRead,
	PermHeartbeat, PermTaskUpdate, PermLogsWrite,
}

var viewerPermissions = []Permission{
	PermAgentsRead, PermTasksRead, PermLogsRead, PermStatusRead, PermProjectsRead,
	PermProcessesRead, PermEventsRead,
}

// rolePermissions maps each role to its permission set.
var rolePermissions = map[Role]map[Permission]struct{}{
	RoleAdmin: permSet(allPermissions...),
	RoleOperator: permSet(append([]Permission{
		PermAgentsSpawn, PermAgentsStop, PermTasksCreate, PermTasksCancel,
		PermProcessesManage, PermPortsManage, PermOrchestrate,
	}, viewerPermissions...)...),
	RoleViewer: permSet(viewerPermissions...),
	RoleAgent:  permSet(PermHeartbeat, PermTaskUpdate, PermLogsWrite, PermStatusRead),
}

func permSet(perms ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// HasPermission reports whether the role grants the permission.
func (r Role) HasPermission(p Permission) bool {
	_, ok := rolePermissions[r][p]
	return ok
}

// TokenInfo describes a stored API token. The token value itself is never
// stored or returned; only its SHA-256 hash is kept.
type TokenInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Role       Role       `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}
