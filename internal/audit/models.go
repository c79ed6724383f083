package audit

import "time"

// Action identifies an audited event type.
type Action string

const (
	// Auth
	ActionAuthLoginSuccess Action = "auth.login.success"
	ActionAuthLoginFailed  Action = "auth.login.failed"
	ActionAuthTokenCreated Action = "auth.token.created"
	ActionAuthTokenRevoked Action = "auth.token.revoked"
	ActionAuthDenied       Action = "auth.denied"

	// Agents
	ActionAgentSpawn        Action = "agent.spawn"
	ActionAgentStop         Action = "agent.stop"
	ActionAgentError        Action = "agent.error"
	ActionAgentTaskAssigned Action = "agent.task.assigned"
	ActionAgentRetry        Action = "agent.retry"

	// Tasks
	ActionTaskCreated   Action = "task.created"
	ActionTaskStarted   Action = "task.started"
	ActionTaskCompleted Action = "task.completed"
	ActionTaskFailed    Action = "task.failed"
	ActionTaskCancelled Action = "task.cancelled"

	// Secrets
	ActionSecretRead   Action = "secret.read"
	ActionSecretWrite  Action = "secret.write"
	ActionSecretDelete Action = "secret.delete"

	// Config
	ActionConfigUpdated  Action = "config.updated"
	ActionProjectAdded   Action = "project.added"
	ActionProjectRemoved Action = "project.removed"

	// Channels
	ActionChannelTelegramCommand     Action = "channel.telegram.command"
	ActionChannelWebsocketConnect    Action = "channel.websocket.connect"
	ActionChannelWebsocketDisconnect Action = "channel.websocket.disconnect"

	// Security
	ActionSecurityRateLimit Action = "security.rate_limit"

	// Server
	ActionServerStarted Action = "server.started"
	ActionServerStopped Action = "server.stopped"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// Actor types.
const (
	ActorUser    = "user"
	ActorAgent   = "agent"
	ActorSystem  = "system"
	ActorChannel = "channel"
)

// Entry is a single audit log record. Entries form a hash chain:
// each entry carries the previous entry's hash and an HMAC over its
// own identifying fields.
type Entry struct {
	ID           int64          `db:"id" json:"id"`
	Timestamp    time.Time      `db:"timestamp" json:"timestamp"`
	ActorType    string         `db:"actor_type" json:"actor_type"`
	ActorID      string         `db:"actor_id" json:"actor_id,omitempty"`
	ActorIP      string         `db:"actor_ip" json:"actor_ip,omitempty"`
	Action       string         `db:"action" json:"action"`
	ResourceType string         `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   string         `db:"resource_id" json:"resource_id,omitempty"`
	RequestID    string         `db:"request_id" json:"request_id,omitempty"`
	Channel      string         `db:"channel" json:"channel,omitempty"`
	Status       string         `db:"status" json:"status"`
	Error        string         `db:"error" json:"error,omitempty"`
	Metadata     map[string]any `db:"-" json:"metadata,omitempty"`
	PrevHash     string         `db:"prev_hash" json:"prev_hash,omitempty"`
	EntryHash    string         `db:"entry_hash" json:"entry_hash"`
}

// Event describes an audit event to record. Zero-value fields are omitted
// from the stored entry; ActorType defaults to system and Status to success.
type Event struct {
	Action       Action
	ActorType    string
	ActorID      string
	ActorIP      string
	ResourceType string
	ResourceID   string
	RequestID    string
	Channel      string
	Status       string
	Error        string
	Metadata     map[string]any
}

// Filter narrows audit queries. Zero values match everything.
type Filter struct {
	Action       string
	ActorType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	Status       string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}
