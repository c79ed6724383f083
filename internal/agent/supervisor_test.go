//go:build unix

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adt-sh/adt/internal/events"
	"github.com/adt-sh/adt/internal/events/bus"
	"github.com/adt-sh/adt/internal/project"
	"github.com/adt-sh/adt/internal/vault"
)

type staticProjects map[string]string

func (p staticProjects) Get(name string) (*project.Project, error) {
	path, ok := p[name]
	if !ok {
		return nil, project.ErrNotFound
	}
	return &project.Project{Name: name, Path: path}, nil
}

func newTestSupervisor(t *testing.T, command string, args ...string) (*Supervisor, bus.EventBus) {
	t.Helper()
	home := t.TempDir()
	b := bus.NewMemoryEventBus(nil)
	t.Cleanup(func() { b.Close() })

	runs, err := OpenRuns(filepath.Join(home, "data", "logs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	s := NewSupervisor(Options{
		Command:  command,
		Args:     args,
		StateDir: filepath.Join(home, "agents"),
		LogDir:   filepath.Join(home, "logs", "agents"),
		Projects: staticProjects{"webapp": t.TempDir()},
		Scrubber: vault.NewScrubber(),
		Bus:      b,
		Runs:     runs,
	})
	return s, b
}

func waitForStatus(t *testing.T, s *Supervisor, proj string, want Status) *State {
	t.Helper()
	var got *State
	require.Eventually(t, func() bool {
		got = s.Get(proj)
		return got != nil && got.Status == want
	}, 5*time.Second, 20*time.Millisecond, "agent never reached %s", want)
	return got
}

func TestSpawnRunsTaskAndCapturesOutput(t *testing.T) {
	s, b := newTestSupervisor(t, "sh", "-c", "echo task output #")

	completed := make(chan *bus.Event, 1)
	_, err := b.Subscribe(events.AgentTaskCompleted, func(ctx context.Context, e *bus.Event) error {
		completed <- e
		return nil
	})
	require.NoError(t, err)

	state, err := s.Spawn(context.Background(), "webapp", SpawnOptions{Task: "do things", TaskID: "ab12cd34"})
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, state.Status)
	assert.NotZero(t, state.PID)

	select {
	case e := <-completed:
		assert.Equal(t, "webapp", e.Project)
		assert.EqualValues(t, 0, e.Data["exit_code"])
		assert.Contains(t, e.Data["output"], "task output")
		assert.Equal(t, "ab12cd34", e.Data["task_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no task completion event")
	}

	final := waitForStatus(t, s, "webapp", StatusStopped)
	assert.Zero(t, final.PID)
}

func TestSpawnRejectsSecondSession(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep", "5")

	_, err := s.Spawn(context.Background(), "webapp", SpawnOptions{})
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), "webapp", SpawnOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, s.Stop(context.Background(), "webapp", true))
	waitForStatus(t, s, "webapp", StatusStopped)
}

func TestStopIsNotAFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep", "30")

	_, err := s.Spawn(context.Background(), "webapp", SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), "webapp", false))
	final := waitForStatus(t, s, "webapp", StatusStopped)
	assert.Empty(t, final.Error)
}

func TestNonZeroExitBecomesError(t *testing.T) {
	s, _ := newTestSupervisor(t, "sh", "-c", "echo broken pipe dream; exit 3")

	_, err := s.Spawn(context.Background(), "webapp", SpawnOptions{Task: "x"})
	require.NoError(t, err)

	final := waitForStatus(t, s, "webapp", StatusError)
	assert.Contains(t, final.Error, "exit code 3")
	assert.Contains(t, final.Error, "broken pipe dream")
}

func TestSpawnAllowedAfterError(t *testing.T) {
	s, _ := newTestSupervisor(t, "sh", "-c", "exit 1")

	_, err := s.Spawn(context.Background(), "webapp", SpawnOptions{})
	require.NoError(t, err)
	waitForStatus(t, s, "webapp", StatusError)

	_, err = s.Spawn(context.Background(), "webapp", SpawnOptions{})
	require.NoError(t, err)
}

func TestLogsAreScrubbedAndBounded(t *testing.T) {
	s, _ := newTestSupervisor(t, "sh", "-c", "echo token sk-ant-REDACTED")

	_, err := s.Spawn(context.Background(), "webapp", SpawnOptions{})
	require.NoError(t, err)
	waitForStatus(t, s, "webapp", StatusStopped)

	logs, err := s.GetLogs("webapp", 100)
	require.NoError(t, err)
	assert.Contains(t, logs, "=== Agent started at")
	assert.Contains(t, logs, vault.Redacted)
	assert.NotContains(t, logs, "sk-ant-api03")
}

func TestLogCaptureStartsAtSpawnOffset(t *testing.T) {
	s, _ := newTestSupervisor(t, "sh", "-c", "echo second run only")

	// A previous run's log content must not leak into the next capture.
	require.NoError(t, os.MkdirAll(s.opts.LogDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(s.opts.LogDir, "webapp.log"),
		[]byte("stale first run output\n"), 0o644))

	state, err := s.Spawn(context.Background(), "webapp", SpawnOptions{Task: "x"})
	require.NoError(t, err)
	require.NotZero(t, state.PID)
	waitForStatus(t, s, "webapp", StatusStopped)

	runs, err := s.opts.Runs.List("webapp", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status)
	require.NotNil(t, runs[0].ExitCode)
	assert.Zero(t, *runs[0].ExitCode)
}

func TestAssignTaskSpawnsWhenStopped(t *testing.T) {
	s, _ := newTestSupervisor(t, "sh", "-c", "echo done")

	state, err := s.AssignTask(context.Background(), "webapp", "build it", "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, state.Status)
	waitForStatus(t, s, "webapp", StatusStopped)

	state, err = s.AssignTask(context.Background(), "webapp", "again", "t2")
	require.NoError(t, err)
	assert.Equal(t, "again", state.CurrentTask)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	home := t.TempDir()
	stateDir := filepath.Join(home, "agents")

	dead := &State{Project: "webapp", Status: StatusWorking, PID: 999999999}
	require.NoError(t, dead.save(stateDir))

	s := NewSupervisor(Options{
		Command:  "sh",
		StateDir: stateDir,
		LogDir:   filepath.Join(home, "logs", "agents"),
		Projects: staticProjects{},
	})

	restored := s.Get("webapp")
	require.NotNil(t, restored)
	assert.Equal(t, StatusStopped, restored.Status)
	assert.Zero(t, restored.PID)

	health := s.CheckHealth()
	assert.False(t, health["webapp"])

	assert.Equal(t, 1, s.CleanupStopped())
	assert.Nil(t, s.Get("webapp"))
}

func TestRunHistory(t *testing.T) {
	runs, err := OpenRuns(filepath.Join(t.TempDir(), "logs.db"))
	require.NoError(t, err)
	defer runs.Close()

	id, err := runs.Start(Run{Project: "webapp", Provider: "claude", Task: "x", PID: 42})
	require.NoError(t, err)
	require.NoError(t, runs.Finish(id, 0, RunCompleted, ""))

	listed, err := runs.List("webapp", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, RunCompleted, listed[0].Status)
	assert.NotNil(t, listed[0].EndedAt)

	other, err := runs.List("other", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
