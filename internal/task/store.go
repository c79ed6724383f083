// Package task provides the durable task queue.
//
// Tasks are persisted in sqlite. Claiming runs as a single UPDATE with a
// nested eligibility SELECT so concurrent claimers can never receive the
// same task. Dependencies are tracked in a side table so eligibility is
// expressible in SQL.
package task

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/common/sqlite"
	"github.com/adt-sh/adt/internal/events"
	"github.com/adt-sh/adt/internal/events/bus"
)

var (
	// ErrNotFound is returned when no task has the given id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when an operation does not apply
	// to the task's current status.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    description TEXT NOT NULL,
    priority TEXT NOT NULL DEFAULT 'normal',
    status TEXT NOT NULL DEFAULT 'pending',
    assigned_to TEXT,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    output TEXT,
    error TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    metadata TEXT,
    use_output_from TEXT,
    requires_review INTEGER NOT NULL DEFAULT 0,
    review_prompt TEXT,
    reviewed_by TEXT,
    reviewed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS task_deps (
    task_id TEXT NOT NULL,
    depends_on TEXT NOT NULL,
    PRIMARY KEY (task_id, depends_on)
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);
CREATE INDEX IF NOT EXISTS idx_deps_target ON task_deps(depends_on);
`

// timeFormat is fixed width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// priorityOrder sorts urgent before high before normal before low.
const priorityOrder = `CASE priority
    WHEN 'urgent' THEN 0
    WHEN 'high' THEN 1
    WHEN 'normal' THEN 2
    ELSE 3
END`

// eligibleFilter selects pending tasks whose dependencies are all
// completed.
const eligibleFilter = `status = 'pending' AND NOT EXISTS (
    SELECT 1 FROM task_deps d
    LEFT JOIN tasks dt ON dt.id = d.depends_on
    WHERE d.task_id = tasks.id
      AND (dt.id IS NULL OR dt.status != 'completed')
)`

// Store is the sqlite-backed task queue.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
	bus bus.EventBus
}

// Open opens (creating if needed) the task database at dbPath. A nil
// bus disables event emission.
func Open(dbPath string, log *logger.Logger, b bus.EventBus) (*Store, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init task schema: %w", err)
	}
	// Databases from before review support need the columns added.
	for _, col := range [][2]string{
		{"requires_review", "INTEGER NOT NULL DEFAULT 0"},
		{"review_prompt", "TEXT"},
		{"reviewed_by", "TEXT"},
		{"reviewed_at", "TIMESTAMP"},
	} {
		if err := sqlite.EnsureColumn(db, "tasks", col[0], col[1]); err != nil {
			db.Close()
			return nil, fmt.Errorf("upgrade task schema: %w", err)
		}
	}

	return &Store{db: db, log: log, bus: b}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func newTaskID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Create inserts a new task. Status starts as awaiting_review when review
// is requested, blocked when dependencies are unmet, pending otherwise.
func (s *Store) Create(project, description string, priority Priority, opts CreateOptions) (*Task, error) {
	if project == "" || description == "" {
		return nil, fmt.Errorf("project and description are required")
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	t := &Task{
		ID:             newTaskID(),
		Project:        project,
		Description:    description,
		Priority:       priority,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     maxRetries,
		Metadata:       opts.Metadata,
		DependsOn:      opts.DependsOn,
		UseOutputFrom:  opts.UseOutputFrom,
		RequiresReview: opts.RequiresReview,
		ReviewPrompt:   opts.ReviewPrompt,
	}

	switch {
	case opts.RequiresReview:
		t.Status = StatusAwaitingReview
	case len(opts.DependsOn) > 0:
		unmet, err := s.unmetDeps(opts.DependsOn)
		if err != nil {
			return nil, err
		}
		if unmet {
			t.Status = StatusBlocked
		}
	}

	var metaJSON any
	if len(t.Metadata) > 0 {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal task metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
        INSERT INTO tasks (
            id, project, description, priority, status, created_at,
            max_retries, metadata, use_output_from,
            requires_review, review_prompt
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Project, t.Description, string(t.Priority), string(t.Status),
		t.CreatedAt.Format(timeFormat), t.MaxRetries, metaJSON,
		nullable(t.UseOutputFrom), boolToInt(t.RequiresReview), nullable(t.ReviewPrompt))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	for _, dep := range t.DependsOn {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO task_deps (task_id, depends_on) VALUES (?, ?)",
			t.ID, dep); err != nil {
			return nil, fmt.Errorf("insert task dep: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}

	if s.log != nil {
		s.log.Info("task created",
			zap.String("task_id", t.ID),
			zap.String("project", t.Project),
			zap.String("status", string(t.Status)))
	}
	s.publish(events.TaskCreated, t.Project, map[string]any{
		"task_id":  t.ID,
		"priority": string(t.Priority),
		"status":   string(t.Status),
	})
	return t, nil
}

func (s *Store) publish(eventType, project string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := bus.Emit(context.Background(), s.bus, eventType, project, data); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to publish task event")
	}
}

func (s *Store) unmetDeps(deps []string) (bool, error) {
	if len(deps) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(
		"SELECT COUNT(*) FROM tasks WHERE id IN (?) AND status = 'completed'", deps)
	if err != nil {
		return false, fmt.Errorf("build dep query: %w", err)
	}
	var completed int
	if err := s.db.Get(&completed, query, args...); err != nil {
		return false, fmt.Errorf("count completed deps: %w", err)
	}
	return completed < len(deps), nil
}

// Get returns a task by id.
func (s *Store) Get(id string) (*Task, error) {
	var row taskRow
	err := s.db.Get(&row, "SELECT * FROM tasks WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return s.hydrate(&row)
}

// List returns tasks matching the filter, in claim order.
func (s *Store) List(f ListFilter) ([]*Task, error) {
	var conds []string
	var params []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		params = append(params, string(f.Status))
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		params = append(params, f.Project)
	}
	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	params = append(params, limit)

	var rows []taskRow
	err := s.db.Select(&rows, fmt.Sprintf(`
        SELECT * FROM tasks WHERE %s
        ORDER BY %s, created_at, id
        LIMIT ?`, where, priorityOrder), params...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := s.hydrate(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ClaimNext atomically claims the highest-priority eligible pending task:
// a single UPDATE with a nested ordered SELECT, so two concurrent claimers
// never receive the same row. Returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimNext(assignedTo string) (*Task, error) {
	return s.claim(assignedTo, "", "")
}

// ClaimNextForProject claims the next eligible task within one project.
func (s *Store) ClaimNextForProject(project, assignedTo string) (*Task, error) {
	return s.claim(assignedTo, "", project)
}

// Claim claims a specific task by id if it is currently eligible.
func (s *Store) Claim(id, assignedTo string) (*Task, error) {
	t, err := s.claim(assignedTo, id, "")
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrInvalidTransition
	}
	return t, nil
}

func (s *Store) claim(assignedTo, onlyID, project string) (*Task, error) {
	inner := fmt.Sprintf(`SELECT id FROM tasks WHERE %s`, eligibleFilter)
	args := []any{assignedTo, time.Now().UTC().Format(timeFormat)}
	if onlyID != "" {
		inner += " AND id = ?"
		args = append(args, onlyID)
	}
	if project != "" {
		inner += " AND project = ?"
		args = append(args, project)
	}
	inner += fmt.Sprintf(" ORDER BY %s, created_at, id LIMIT 1", priorityOrder)

	var row taskRow
	err := s.db.QueryRowx(fmt.Sprintf(`
        UPDATE tasks
        SET status = 'in_progress', assigned_to = ?, started_at = ?
        WHERE id = (%s)
        RETURNING *`, inner), args...).StructScan(&row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return s.hydrate(&row)
}

// Complete marks a task completed with its captured output (already
// scrubbed by the caller; truncated here) and promotes any dependents
// whose dependencies are now all met, substituting {{output}} where the
// dependent consumes this task's output.
func (s *Store) Complete(id, output string) (*Task, error) {
	output = Truncate(output)
	now := time.Now().UTC().Format(timeFormat)

	var row taskRow
	err := s.db.QueryRowx(`
        UPDATE tasks
        SET status = 'completed', completed_at = ?, output = ?
        WHERE id = ? AND status = 'in_progress'
        RETURNING *`, now, output, id).StructScan(&row)
	if err == sql.ErrNoRows {
		if _, getErr := s.Get(id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}

	if err := s.promoteDependents(id, output); err != nil && s.log != nil {
		s.log.WithError(err).Error("dependent promotion failed", zap.String("task_id", id))
	}

	return s.hydrate(&row)
}

// promoteDependents moves blocked tasks whose dependencies are now all
// completed to pending, substituting the completer's output where asked.
func (s *Store) promoteDependents(completedID, output string) error {
	var rows []taskRow
	err := s.db.Select(&rows, `
        SELECT t.* FROM tasks t
        JOIN task_deps d ON d.task_id = t.id
        WHERE d.depends_on = ? AND t.status = 'blocked'
          AND NOT EXISTS (
              SELECT 1 FROM task_deps d2
              LEFT JOIN tasks dt ON dt.id = d2.depends_on
              WHERE d2.task_id = t.id
                AND (dt.id IS NULL OR dt.status != 'completed')
          )`, completedID)
	if err != nil {
		return fmt.Errorf("find dependents: %w", err)
	}

	for i := range rows {
		desc := rows[i].Description
		if rows[i].UseOutputFrom.Valid && rows[i].UseOutputFrom.String == completedID {
			desc = strings.ReplaceAll(desc, OutputPlaceholder, output)
		}
		if _, err := s.db.Exec(`
            UPDATE tasks SET status = 'pending', description = ?
            WHERE id = ? AND status = 'blocked'`, desc, rows[i].ID); err != nil {
			return fmt.Errorf("promote dependent %s: %w", rows[i].ID, err)
		}
		if s.log != nil {
			s.log.Info("dependent task unblocked",
				zap.String("task_id", rows[i].ID),
				zap.String("completed_dep", completedID))
		}
	}
	return nil
}

// Fail records a failure. Within the retry budget the task returns to
// pending with its assignment cleared and its original created_at intact,
// so retried tasks keep their place in the queue. At budget it becomes
// terminally failed.
func (s *Store) Fail(id, errText string) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	newRetry := t.RetryCount + 1
	now := time.Now().UTC().Format(timeFormat)

	var row taskRow
	if newRetry < t.MaxRetries {
		err = s.db.QueryRowx(`
            UPDATE tasks
            SET status = 'pending', error = ?, retry_count = ?,
                assigned_to = NULL, started_at = NULL
            WHERE id = ?
            RETURNING *`, fmt.Sprintf("retry %d: %s", newRetry, errText), newRetry, id).StructScan(&row)
	} else {
		err = s.db.QueryRowx(`
            UPDATE tasks
            SET status = 'failed', error = ?, retry_count = ?,
                completed_at = ?, assigned_to = NULL, started_at = NULL
            WHERE id = ?
            RETURNING *`, errText, newRetry, now, id).StructScan(&row)
	}
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	return s.hydrate(&row)
}

// Cancel cancels a task that has not started running.
func (s *Store) Cancel(id string) (*Task, error) {
	now := time.Now().UTC().Format(timeFormat)
	var row taskRow
	err := s.db.QueryRowx(`
        UPDATE tasks
        SET status = 'cancelled', completed_at = ?
        WHERE id = ? AND status IN ('pending', 'blocked', 'awaiting_review')
        RETURNING *`, now, id).StructScan(&row)
	if err == sql.ErrNoRows {
		if _, getErr := s.Get(id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	return s.hydrate(&row)
}

// Retry re-queues a terminally failed task with a fresh retry budget.
func (s *Store) Retry(id string) (*Task, error) {
	var row taskRow
	err := s.db.QueryRowx(`
        UPDATE tasks
        SET status = 'pending', error = NULL, retry_count = 0,
            assigned_to = NULL, started_at = NULL, completed_at = NULL
        WHERE id = ? AND status = 'failed'
        RETURNING *`, id).StructScan(&row)
	if err == sql.ErrNoRows {
		if _, getErr := s.Get(id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("retry task: %w", err)
	}
	return s.hydrate(&row)
}

// Review resolves an awaiting_review task. Approval moves it to pending
// (or blocked while dependencies are unmet), optionally with an edited
// description; rejection cancels it.
func (s *Store) Review(id string, approved bool, reviewer, editedDescription string) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusAwaitingReview {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC().Format(timeFormat)
	desc := t.Description
	if editedDescription != "" {
		desc = editedDescription
	}

	newStatus := StatusCancelled
	completedAt := any(now)
	if approved {
		completedAt = nil
		newStatus = StatusPending
		if len(t.DependsOn) > 0 {
			unmet, err := s.unmetDeps(t.DependsOn)
			if err != nil {
				return nil, err
			}
			if unmet {
				newStatus = StatusBlocked
			}
		}
	}

	var row taskRow
	err = s.db.QueryRowx(`
        UPDATE tasks
        SET status = ?, description = ?, reviewed_by = ?, reviewed_at = ?, completed_at = ?
        WHERE id = ? AND status = 'awaiting_review'
        RETURNING *`, string(newStatus), desc, reviewer, now, completedAt, id).StructScan(&row)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("review task: %w", err)
	}
	return s.hydrate(&row)
}

// Stats returns per-status counts.
func (s *Store) Stats() (*Stats, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusInProgress:
			stats.InProgress = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusCancelled:
			stats.Cancelled = count
		case StatusBlocked:
			stats.Blocked = count
		case StatusAwaitingReview:
			stats.AwaitingReview = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// Truncate enforces the captured-output cap, appending a visible marker
// when output was cut.
func Truncate(output string) string {
	if len(output) <= MaxOutputBytes {
		return output
	}
	return output[:MaxOutputBytes] + TruncationMarker
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type taskRow struct {
	ID             string         `db:"id"`
	Project        string         `db:"project"`
	Description    string         `db:"description"`
	Priority       string         `db:"priority"`
	Status         string         `db:"status"`
	AssignedTo     sql.NullString `db:"assigned_to"`
	CreatedAt      string         `db:"created_at"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	Output         sql.NullString `db:"output"`
	Error          sql.NullString `db:"error"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	Metadata       sql.NullString `db:"metadata"`
	UseOutputFrom  sql.NullString `db:"use_output_from"`
	RequiresReview int            `db:"requires_review"`
	ReviewPrompt   sql.NullString `db:"review_prompt"`
	ReviewedBy     sql.NullString `db:"reviewed_by"`
	ReviewedAt     sql.NullString `db:"reviewed_at"`
}

func (s *Store) hydrate(row *taskRow) (*Task, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse task created_at: %w", err)
	}

	t := &Task{
		ID:             row.ID,
		Project:        row.Project,
		Description:    row.Description,
		Priority:       Priority(row.Priority),
		Status:         Status(row.Status),
		AssignedTo:     row.AssignedTo.String,
		CreatedAt:      createdAt,
		Output:         row.Output.String,
		Error:          row.Error.String,
		RetryCount:     row.RetryCount,
		MaxRetries:     row.MaxRetries,
		UseOutputFrom:  row.UseOutputFrom.String,
		RequiresReview: row.RequiresReview != 0,
		ReviewPrompt:   row.ReviewPrompt.String,
		ReviewedBy:     row.ReviewedBy.String,
	}
	if t.StartedAt, err = parseNullTime(row.StartedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(row.CompletedAt); err != nil {
		return nil, err
	}
	if t.ReviewedAt, err = parseNullTime(row.ReviewedAt); err != nil {
		return nil, err
	}
	if row.Metadata.Valid && row.Metadata.String != "" {
		_ = json.Unmarshal([]byte(row.Metadata.String), &t.Metadata)
	}

	var deps []string
	if err := s.db.Select(&deps,
		"SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on", t.ID); err != nil {
		return nil, fmt.Errorf("load task deps: %w", err)
	}
	t.DependsOn = deps

	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &t, nil
}
