// Package orchestrator drives automatic task assignment: it watches
// agent health, flags stuck sessions and hands pending tasks to agents
// up to a concurrency cap.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/agent"
	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/events"
	"github.com/adt-sh/adt/internal/events/bus"
	"github.com/adt-sh/adt/internal/task"
)

// Defaults applied when Options leave the knobs zero.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxConcurrent = 3
	DefaultStuckTimeout  = 300 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	Agents        *agent.Supervisor
	Tasks         *task.Store
	Bus           bus.EventBus
	Log           *logger.Logger
	PollInterval  time.Duration
	MaxConcurrent int
	StuckTimeout  time.Duration
}

// Stats is a point-in-time view of the orchestrator.
type Stats struct {
	Running bool `json:"running"`
	Agents  struct {
		Total   int `json:"total"`
		Working int `json:"working"`
		Idle    int `json:"idle"`
		Error   int `json:"error"`
	} `json:"agents"`
	Tasks  *task.Stats `json:"tasks"`
	Config struct {
		MaxConcurrent int     `json:"max_concurrent"`
		PollInterval  float64 `json:"poll_interval_seconds"`
		StuckTimeout  float64 `json:"stuck_timeout_seconds"`
	} `json:"config"`
}

// Orchestrator runs the assignment loop.
type Orchestrator struct {
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	sub     bus.Subscription
}

// New creates an orchestrator. Completion events from agents settle
// their tasks even while the assignment loop is stopped.
func New(opts Options) (*Orchestrator, error) {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = DefaultStuckTimeout
	}
	o := &Orchestrator{opts: opts, log: opts.Log}

	if opts.Bus != nil {
		sub, err := opts.Bus.Subscribe(events.AgentTaskCompleted, o.onTaskCompleted)
		if err != nil {
			return nil, fmt.Errorf("subscribe to task completions: %w", err)
		}
		o.sub = sub
	}
	return o, nil
}

// Start launches the assignment loop. Idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.running = true
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(ctx)
	o.log.Info("orchestrator started",
		zap.Duration("poll_interval", o.opts.PollInterval),
		zap.Int("max_concurrent", o.opts.MaxConcurrent))
}

// Stop halts the assignment loop. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	done := o.done
	o.mu.Unlock()

	<-done
	o.log.Info("orchestrator stopped")
}

// Close stops the loop and drops the completion subscription.
func (o *Orchestrator) Close() {
	o.Stop()
	if o.sub != nil {
		if err := o.sub.Unsubscribe(); err != nil {
			o.log.WithError(err).Warn("failed to unsubscribe orchestrator")
		}
	}
}

// Running reports whether the assignment loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one orchestration pass: health, stuck detection, assignment.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.checkAgentHealth(ctx)
	o.checkStuckAgents(ctx)
	o.assignTasks(ctx)
}

// checkAgentHealth settles tasks orphaned by agents that died without
// reporting completion.
func (o *Orchestrator) checkAgentHealth(ctx context.Context) {
	health := o.opts.Agents.CheckHealth()

	var deadProjects []string
	for project, healthy := range health {
		if healthy {
			continue
		}
		state := o.opts.Agents.Get(project)
		if state != nil && state.Status == agent.StatusStopped {
			deadProjects = append(deadProjects, project)
		}
	}
	if len(deadProjects) == 0 {
		return
	}

	inProgress, err := o.opts.Tasks.List(task.ListFilter{Status: task.StatusInProgress})
	if err != nil {
		o.log.WithError(err).Error("failed to list in-progress tasks")
		return
	}
	for _, t := range inProgress {
		for _, project := range deadProjects {
			if t.AssignedTo != project {
				continue
			}
			if _, err := o.opts.Tasks.Fail(t.ID, "Agent stopped unexpectedly"); err != nil {
				o.log.WithTaskID(t.ID).WithError(err).Warn("failed to fail orphaned task")
				continue
			}
			o.log.WithProject(project).WithTaskID(t.ID).Warn("agent stopped with task in progress")
			o.publish(ctx, events.TaskFailed, project, map[string]any{
				"task_id": t.ID,
				"error":   "Agent stopped unexpectedly",
			})
		}
	}
}

// checkStuckAgents flags working sessions with no recent activity.
func (o *Orchestrator) checkStuckAgents(ctx context.Context) {
	now := time.Now()
	for _, state := range o.opts.Agents.List() {
		if state.Status != agent.StatusWorking || state.LastActivity == nil {
			continue
		}
		elapsed := now.Sub(*state.LastActivity)
		if elapsed <= o.opts.StuckTimeout {
			continue
		}
		o.log.WithProject(state.Project).Warn("agent appears stuck",
			zap.Duration("inactive", elapsed))
		o.publish(ctx, events.Escalation, state.Project, map[string]any{
			"reason":           "agent_stuck",
			"inactive_seconds": int(elapsed.Seconds()),
			"task_id":          state.TaskID,
		})
	}
}

// assignTasks claims eligible tasks for projects without a busy agent,
// up to the concurrency cap.
func (o *Orchestrator) assignTasks(ctx context.Context) {
	agents := o.opts.Agents.List()
	busy := map[string]bool{}
	runningCount := 0
	for _, state := range agents {
		if state.Status == agent.StatusWorking || state.Status == agent.StatusSpawning {
			busy[state.Project] = true
			runningCount++
		}
	}
	if runningCount >= o.opts.MaxConcurrent {
		return
	}

	pending, err := o.opts.Tasks.List(task.ListFilter{Status: task.StatusPending, Limit: 10})
	if err != nil {
		o.log.WithError(err).Error("failed to list pending tasks")
		return
	}

	for _, t := range pending {
		if busy[t.Project] {
			continue
		}
		if runningCount >= o.opts.MaxConcurrent {
			break
		}

		claimed, err := o.opts.Tasks.ClaimNextForProject(t.Project, t.Project)
		if err != nil {
			o.log.WithProject(t.Project).WithError(err).Error("failed to claim task")
			continue
		}
		if claimed == nil {
			continue
		}

		o.log.WithProject(t.Project).WithTaskID(claimed.ID).Info("auto-assigning task")
		if _, err := o.opts.Agents.Spawn(ctx, t.Project, agent.SpawnOptions{
			Task:   claimed.Description,
			TaskID: claimed.ID,
		}); err != nil {
			o.log.WithProject(t.Project).WithTaskID(claimed.ID).WithError(err).Error("agent spawn failed")
			if _, failErr := o.opts.Tasks.Fail(claimed.ID, err.Error()); failErr != nil {
				o.log.WithTaskID(claimed.ID).WithError(failErr).Warn("failed to fail unassignable task")
			}
			continue
		}

		busy[t.Project] = true
		runningCount++
		o.publish(ctx, events.TaskAssigned, t.Project, map[string]any{
			"task_id": claimed.ID,
		})
	}
}

// onTaskCompleted settles the task attached to a finished agent run.
func (o *Orchestrator) onTaskCompleted(ctx context.Context, e *bus.Event) error {
	taskID, _ := e.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}
	exitCode := 0
	switch v := e.Data["exit_code"].(type) {
	case int:
		exitCode = v
	case float64:
		exitCode = int(v)
	}
	output, _ := e.Data["output"].(string)

	if exitCode == 0 {
		if _, err := o.opts.Tasks.Complete(taskID, output); err != nil {
			o.log.WithTaskID(taskID).WithError(err).Warn("failed to complete task")
			return nil
		}
		o.publish(ctx, events.TaskCompleted, e.Project, map[string]any{"task_id": taskID})
		return nil
	}

	reason := fmt.Sprintf("Agent exited with code %d", exitCode)
	if _, err := o.opts.Tasks.Fail(taskID, reason); err != nil {
		o.log.WithTaskID(taskID).WithError(err).Warn("failed to fail task")
		return nil
	}
	o.publish(ctx, events.TaskFailed, e.Project, map[string]any{
		"task_id": taskID,
		"error":   reason,
	})
	return nil
}

// GetStats assembles orchestrator statistics.
func (o *Orchestrator) GetStats() (*Stats, error) {
	taskStats, err := o.opts.Tasks.Stats()
	if err != nil {
		return nil, err
	}

	stats := &Stats{Running: o.Running(), Tasks: taskStats}
	for _, state := range o.opts.Agents.List() {
		stats.Agents.Total++
		switch state.Status {
		case agent.StatusWorking:
			stats.Agents.Working++
		case agent.StatusIdle:
			stats.Agents.Idle++
		case agent.StatusError:
			stats.Agents.Error++
		}
	}
	stats.Config.MaxConcurrent = o.opts.MaxConcurrent
	stats.Config.PollInterval = o.opts.PollInterval.Seconds()
	stats.Config.StuckTimeout = o.opts.StuckTimeout.Seconds()
	return stats, nil
}

func (o *Orchestrator) publish(ctx context.Context, eventType, project string, data map[string]any) {
	if o.opts.Bus == nil {
		return
	}
	if err := bus.Emit(ctx, o.opts.Bus, eventType, project, data); err != nil {
		o.log.WithError(err).Warn("failed to publish orchestrator event")
	}
}
