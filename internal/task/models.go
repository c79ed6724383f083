package task

import "time"

// Status is a task lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusBlocked        Status = "blocked"
	StatusAwaitingReview Status = "awaiting_review"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders claim eligibility: urgent before high before normal
// before low, ties broken by age.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether the priority is one of the known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// DefaultMaxRetries is the retry budget for new tasks.
const DefaultMaxRetries = 3

// MaxOutputBytes caps captured agent output per task.
const MaxOutputBytes = 1 << 20

// TruncationMarker is appended when captured output exceeds the cap.
const TruncationMarker = "\n[output truncated]"

// OutputPlaceholder in a description is replaced by the captured output of
// the task named in UseOutputFrom.
const OutputPlaceholder = "{{output}}"

// Task is a unit of queued agent work.
type Task struct {
	ID          string   `json:"id"`
	Project     string   `json:"project"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`

	AssignedTo  string     `json:"assigned_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Chaining
	DependsOn     []string `json:"depends_on,omitempty"`
	UseOutputFrom string   `json:"use_output_from,omitempty"`

	// Review
	RequiresReview bool       `json:"requires_review,omitempty"`
	ReviewPrompt   string     `json:"review_prompt,omitempty"`
	ReviewedBy     string     `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
}

// CanRetry reports whether another attempt is within budget.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// CreateOptions carries the optional fields of Create.
type CreateOptions struct {
	Metadata       map[string]any
	DependsOn      []string
	UseOutputFrom  string
	RequiresReview bool
	ReviewPrompt   string
	MaxRetries     int
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Project string
	Status  Status
	Limit   int
}

// Stats counts tasks per status.
type Stats struct {
	Pending        int `json:"pending"`
	InProgress     int `json:"in_progress"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Cancelled      int `json:"cancelled"`
	Blocked        int `json:"blocked"`
	AwaitingReview int `json:"awaiting_review"`
	Total          int `json:"total"`
}
