package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/adt-sh/adt/internal/common/sqlite"
)

// Run outcome states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunStopped   = "stopped"
)

// Run is one recorded agent invocation.
type Run struct {
	ID        string     `json:"id" db:"id"`
	Project   string     `json:"project" db:"project"`
	Provider  string     `json:"provider" db:"provider"`
	Task      string     `json:"task,omitempty" db:"task"`
	TaskID    string     `json:"task_id,omitempty" db:"task_id"`
	PID       int        `json:"pid,omitempty" db:"pid"`
	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"-"`
	ExitCode  *int       `json:"exit_code,omitempty" db:"-"`
	Status    string     `json:"status" db:"status"`
	Error     string     `json:"error,omitempty" db:"error"`
	LogFile   string     `json:"log_file,omitempty" db:"log_file"`
}

const runsSchema = `
CREATE TABLE IF NOT EXISTS agent_runs (
    id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    provider TEXT NOT NULL,
    task TEXT NOT NULL DEFAULT '',
    task_id TEXT NOT NULL DEFAULT '',
    pid INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    exit_code INTEGER,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    log_file TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_project ON agent_runs(project, started_at);
`

// RunStore keeps the agent run history.
type RunStore struct {
	db *sqlx.DB
}

// OpenRuns opens the run history database, creating the schema on
// first use.
func OpenRuns(dbPath string) (*RunStore, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open runs db: %w", err)
	}
	if _, err := db.Exec(runsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init runs schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the underlying database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Start records a new running invocation and returns its id.
func (s *RunStore) Start(run Run) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`
        INSERT INTO agent_runs (id, project, provider, task, task_id, pid, started_at, status, error, log_file)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		id, run.Project, run.Provider, run.Task, run.TaskID, run.PID,
		time.Now().UTC().Format(time.RFC3339Nano), RunRunning, run.LogFile)
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// Finish closes out a run with its exit code and outcome.
func (s *RunStore) Finish(id string, exitCode int, status, errMsg string) error {
	_, err := s.db.Exec(`
        UPDATE agent_runs SET ended_at = ?, exit_code = ?, status = ?, error = ?
        WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), exitCode, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// List returns runs newest first, optionally filtered by project.
func (s *RunStore) List(project string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT * FROM agent_runs"
	args := []any{}
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var row struct {
			ID        string  `db:"id"`
			Project   string  `db:"project"`
			Provider  string  `db:"provider"`
			Task      string  `db:"task"`
			TaskID    string  `db:"task_id"`
			PID       int     `db:"pid"`
			StartedAt string  `db:"started_at"`
			EndedAt   *string `db:"ended_at"`
			ExitCode  *int    `db:"exit_code"`
			Status    string  `db:"status"`
			Error     string  `db:"error"`
			LogFile   string  `db:"log_file"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run := &Run{
			ID: row.ID, Project: row.Project, Provider: row.Provider,
			Task: row.Task, TaskID: row.TaskID, PID: row.PID,
			ExitCode: row.ExitCode, Status: row.Status, Error: row.Error, LogFile: row.LogFile,
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, row.StartedAt)
		if row.EndedAt != nil {
			if t, err := time.Parse(time.RFC3339Nano, *row.EndedAt); err == nil {
				run.EndedAt = &t
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
