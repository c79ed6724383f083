// Package agent supervises coding agent sessions, one per project.
//
// A session is a headless agent process writing to a per-project log
// file. Session state persists as JSON snapshots under the ADT home so
// a restarted server can pick up where it left off, and every run is
// recorded in the run history database.
package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Status is an agent session state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSpawning Status = "spawning"
	StatusWorking  Status = "working"
	StatusWaiting  Status = "waiting"
	StatusTesting  Status = "testing"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Spawnable reports whether a new process may be started over this state.
func (s Status) Spawnable() bool {
	return s == StatusStopped || s == StatusError
}

// State is the persistent snapshot of one agent session.
type State struct {
	Project      string     `json:"project"`
	Status       Status     `json:"status"`
	Provider     string     `json:"provider"`
	PID          int        `json:"pid,omitempty"`
	Worktree     string     `json:"worktree,omitempty"`
	CurrentTask  string     `json:"current_task,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryCount   int        `json:"retry_count,omitempty"`
}

func statePath(dir, project string) string {
	return filepath.Join(dir, project+".state.json")
}

func (s *State) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statePath(dir, s.Project), raw, 0o644)
}

func loadState(dir, project string) *State {
	raw, err := os.ReadFile(statePath(dir, project))
	if err != nil {
		return nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func deleteState(dir, project string) {
	os.Remove(statePath(dir, project))
}
