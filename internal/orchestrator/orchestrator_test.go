//go:build unix

package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adt-sh/adt/internal/agent"
	"github.com/adt-sh/adt/internal/events"
	"github.com/adt-sh/adt/internal/events/bus"
	"github.com/adt-sh/adt/internal/project"
	"github.com/adt-sh/adt/internal/task"
)

type staticProjects map[string]string

func (p staticProjects) Get(name string) (*project.Project, error) {
	path, ok := p[name]
	if !ok {
		return nil, project.ErrNotFound
	}
	return &project.Project{Name: name, Path: path}, nil
}

type fixture struct {
	orch   *Orchestrator
	agents *agent.Supervisor
	tasks  *task.Store
	bus    bus.EventBus
}

func newFixture(t *testing.T, command string, args ...string) *fixture {
	t.Helper()
	home := t.TempDir()

	b := bus.NewMemoryEventBus(nil)
	t.Cleanup(func() { b.Close() })

	store, err := task.Open(filepath.Join(home, "tasks.db"), nil, b)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	agents := agent.NewSupervisor(agent.Options{
		Command:  command,
		Args:     args,
		StateDir: filepath.Join(home, "agents"),
		LogDir:   filepath.Join(home, "logs", "agents"),
		Projects: staticProjects{"webapp": t.TempDir(), "api": t.TempDir()},
		Bus:      b,
	})

	orch, err := New(Options{
		Agents:        agents,
		Tasks:         store,
		Bus:           b,
		MaxConcurrent: 3,
		StuckTimeout:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, agents: agents, tasks: store, bus: b}
}

func waitForTaskStatus(t *testing.T, store *task.Store, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		loaded, err := store.Get(id)
		if err != nil {
			return false
		}
		got = loaded
		return loaded.Status == want
	}, 5*time.Second, 20*time.Millisecond, "task never reached %s", want)
	return got
}

func TestTickAssignsPendingTask(t *testing.T) {
	f := newFixture(t, "sh", "-c", "echo all done #")

	created, err := f.tasks.Create("webapp", "do the thing", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)

	f.orch.Tick(context.Background())

	// The agent runs, exits 0, and the completion event settles the task.
	completed := waitForTaskStatus(t, f.tasks, created.ID, task.StatusCompleted)
	assert.Contains(t, completed.Output, "all done")
	assert.Equal(t, "webapp", completed.AssignedTo)
}

func TestAgentFailureFailsTask(t *testing.T) {
	f := newFixture(t, "sh", "-c", "exit 7")

	created, err := f.tasks.Create("webapp", "doomed", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)

	f.orch.Tick(context.Background())

	var failed *task.Task
	require.Eventually(t, func() bool {
		loaded, err := f.tasks.Get(created.ID)
		if err != nil {
			return false
		}
		failed = loaded
		return loaded.Status == task.StatusPending && loaded.RetryCount == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, failed.Error, "Agent exited with code 7")
}

func TestConcurrencyCapHoldsBackAssignment(t *testing.T) {
	// The task description is appended to the argv; "--" absorbs it.
	f := newFixture(t, "sh", "-c", "sleep 10", "--")

	_, err := f.tasks.Create("webapp", "long job", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)
	other, err := f.tasks.Create("api", "queued job", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)

	// Cap of one: only webapp gets an agent this tick.
	capped, err := New(Options{
		Agents:        f.agents,
		Tasks:         f.tasks,
		MaxConcurrent: 1,
	})
	require.NoError(t, err)
	defer capped.Close()

	capped.Tick(context.Background())

	pending, err := f.tasks.Get(other.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, pending.Status)

	states := f.agents.List()
	require.Len(t, states, 1)
	assert.Equal(t, "webapp", states[0].Project)

	require.NoError(t, f.agents.Stop(context.Background(), "webapp", true))
}

func TestBusyProjectIsSkipped(t *testing.T) {
	f := newFixture(t, "sh", "-c", "sleep 10", "--")

	first, err := f.tasks.Create("webapp", "first", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)
	second, err := f.tasks.Create("webapp", "second", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)

	f.orch.Tick(context.Background())
	f.orch.Tick(context.Background())

	claimed, err := f.tasks.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, claimed.Status)

	queued, err := f.tasks.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, queued.Status)

	require.NoError(t, f.agents.Stop(context.Background(), "webapp", true))
}

func TestStuckAgentEscalates(t *testing.T) {
	f := newFixture(t, "sh", "-c", "sleep 10", "--")

	escalations := make(chan *bus.Event, 1)
	_, err := f.bus.Subscribe(events.Escalation, func(ctx context.Context, e *bus.Event) error {
		escalations <- e
		return nil
	})
	require.NoError(t, err)

	_, err = f.tasks.Create("webapp", "slow work", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)
	f.orch.Tick(context.Background())

	// Shrink the timeout so the running agent counts as stuck.
	f.orch.opts.StuckTimeout = time.Nanosecond
	time.Sleep(10 * time.Millisecond)
	f.orch.Tick(context.Background())

	select {
	case e := <-escalations:
		assert.Equal(t, "webapp", e.Project)
		assert.Equal(t, "agent_stuck", e.Data["reason"])
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation event")
	}

	require.NoError(t, f.agents.Stop(context.Background(), "webapp", true))
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, "true")

	assert.False(t, f.orch.Running())
	f.orch.Start()
	assert.True(t, f.orch.Running())
	f.orch.Start() // idempotent
	f.orch.Stop()
	assert.False(t, f.orch.Running())
	f.orch.Stop()
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, "true")

	_, err := f.tasks.Create("webapp", "x", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)

	stats, err := f.orch.GetStats()
	require.NoError(t, err)
	assert.False(t, stats.Running)
	assert.Equal(t, 1, stats.Tasks.Pending)
	assert.Equal(t, 3, stats.Config.MaxConcurrent)
}
