// Package process supervises long-running project services such as
// dev servers, workers and databases.
//
// Each managed process is identified by "<project>-<name>", runs in
// its own process group with output appended to a per-process log
// file, and has its state snapshotted as JSON under the ADT home.
package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Type classifies a managed process.
type Type string

const (
	TypeDevServer Type = "dev_server"
	TypeDatabase  Type = "database"
	TypeWorker    Type = "worker"
	TypeCustom    Type = "custom"
)

// Status is a managed process lifecycle state. Stopped means the
// operator asked for it; failed means the child died on its own.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// State is the persistent snapshot of one managed process.
type State struct {
	ID          string     `json:"id"`
	Project     string     `json:"project"`
	Name        string     `json:"name"`
	Type        Type       `json:"type"`
	Command     string     `json:"command"`
	Cwd         string     `json:"cwd"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	PID         int        `json:"pid,omitempty"`
	Port        int        `json:"port,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ProcessID builds the composite id for a project service.
func ProcessID(project, name string) string {
	return strings.ToLower(strings.ReplaceAll(project+"-"+name, " ", "-"))
}

func stateFile(dir, id string) string {
	return filepath.Join(dir, id+".state.json")
}

func (s *State) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(stateFile(dir, s.ID), raw, 0o644)
}

func loadStates(dir string) []*State {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []*State
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".state.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var s State
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out
}
