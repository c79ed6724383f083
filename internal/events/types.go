// Package events defines the event types flowing through the ADT bus.
package events

// Agent events.
const (
	AgentSpawned       = "agent.spawned"
	AgentStopped       = "agent.stopped"
	AgentStatus        = "agent.status"
	AgentOutput        = "agent.output"
	AgentError         = "agent.error"
	AgentTaskCompleted = "agent.task_completed"
)

// Task events.
const (
	TaskCreated   = "task.created"
	TaskAssigned  = "task.assigned"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskBlocked   = "task.blocked"
	TaskCancelled = "task.cancelled"
)

// Process events.
const (
	ProcessStarted = "process.started"
	ProcessStopped = "process.stopped"
	ProcessFailed  = "process.failed"
)

// System events.
const (
	ServerStarted = "server.started"
	ServerStopped = "server.stopped"
	Escalation    = "escalation"
	Notification  = "notification"
)
