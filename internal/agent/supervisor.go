package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/events"
	"github.com/adt-sh/adt/internal/events/bus"
	"github.com/adt-sh/adt/internal/project"
	"github.com/adt-sh/adt/internal/vault"
)

var (
	// ErrAlreadyRunning is returned by Spawn when the project already
	// has a live session.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrBusy is returned by AssignTask when the session is working.
	ErrBusy = errors.New("agent is busy with another task")
	// ErrNotRunning is returned when no session exists for the project.
	ErrNotRunning = errors.New("no agent session for project")
)

// ProjectResolver looks up registered projects by name.
type ProjectResolver interface {
	Get(name string) (*project.Project, error)
}

// Options configures a Supervisor.
type Options struct {
	Command  string   // agent binary, e.g. "claude"
	Args     []string // base args before the task prompt
	StateDir string   // session snapshot directory
	LogDir   string   // per-project agent log directory
	Projects ProjectResolver
	Scrubber *vault.Scrubber
	Bus      bus.EventBus
	Runs     *RunStore
	Log      *logger.Logger
}

// SpawnOptions carries the optional fields of Spawn.
type SpawnOptions struct {
	Provider string
	Worktree string
	Task     string
	TaskID   string
}

type session struct {
	state   *State
	runID   string
	logFile *os.File
	// offset into the log file where this run's output begins,
	// recorded at spawn so log capture never bleeds into earlier runs.
	logOffset int64
}

// Supervisor owns all agent sessions, one per project.
type Supervisor struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
	stopping map[string]bool
}

// NewSupervisor creates a supervisor and restores persisted session
// state, marking sessions whose process died while the server was down.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	s := &Supervisor{
		opts:     opts,
		log:      opts.Log,
		sessions: map[string]*session{},
		stopping: map[string]bool{},
	}
	s.restoreStates()
	return s
}

func (s *Supervisor) restoreStates() {
	entries, err := os.ReadDir(s.opts.StateDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".state.json") {
			continue
		}
		proj := strings.TrimSuffix(name, ".state.json")
		state := loadState(s.opts.StateDir, proj)
		if state == nil {
			continue
		}
		if state.PID != 0 && !pidAlive(state.PID) {
			state.Status = StatusStopped
			state.PID = 0
			if err := state.save(s.opts.StateDir); err != nil {
				s.log.WithProject(proj).WithError(err).Warn("failed to persist restored agent state")
			}
		}
		s.sessions[proj] = &session{state: state}
	}
}

// List returns a snapshot of all session states.
func (s *Supervisor) List() []*State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*State, 0, len(s.sessions))
	for _, sess := range s.sessions {
		copied := *sess.state
		out = append(out, &copied)
	}
	return out
}

// Get returns the session state for a project, or nil.
func (s *Supervisor) Get(proj string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[proj]
	if !ok {
		return nil
	}
	copied := *sess.state
	return &copied
}

// Spawn starts an agent process for the project. Only one live session
// per project is allowed; stopped and errored sessions may be replaced.
func (s *Supervisor) Spawn(ctx context.Context, proj string, opts SpawnOptions) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnLocked(ctx, proj, opts)
}

func (s *Supervisor) spawnLocked(ctx context.Context, proj string, opts SpawnOptions) (*State, error) {
	if existing, ok := s.sessions[proj]; ok && !existing.state.Status.Spawnable() {
		if existing.state.PID != 0 && pidAlive(existing.state.PID) {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, proj, existing.state.PID)
		}
	}

	info, err := s.opts.Projects.Get(proj)
	if err != nil {
		return nil, fmt.Errorf("resolve project %q: %w", proj, err)
	}
	workDir := info.Path
	if opts.Worktree != "" {
		workDir = opts.Worktree
	}

	provider := opts.Provider
	if provider == "" {
		provider = filepath.Base(s.opts.Command)
	}

	now := time.Now()
	state := &State{
		Project:      proj,
		Status:       StatusSpawning,
		Provider:     provider,
		Worktree:     opts.Worktree,
		CurrentTask:  opts.Task,
		TaskID:       opts.TaskID,
		StartedAt:    &now,
		LastActivity: &now,
	}

	sess, err := s.startProcess(state, workDir, opts.Task)
	if err != nil {
		state.Status = StatusError
		state.Error = err.Error()
		if saveErr := state.save(s.opts.StateDir); saveErr != nil {
			s.log.WithProject(proj).WithError(saveErr).Warn("failed to persist agent state")
		}
		s.sessions[proj] = &session{state: state}
		return nil, err
	}

	if opts.Task != "" {
		state.Status = StatusWorking
	} else {
		state.Status = StatusIdle
	}
	if err := state.save(s.opts.StateDir); err != nil {
		s.log.WithProject(proj).WithError(err).Warn("failed to persist agent state")
	}
	s.sessions[proj] = sess
	delete(s.stopping, proj)

	s.log.WithProject(proj).Info("agent spawned",
		zap.Int("pid", state.PID),
		zap.String("provider", provider),
		zap.String("task_id", opts.TaskID))
	s.publish(ctx, events.AgentSpawned, proj, map[string]any{
		"pid":      state.PID,
		"provider": provider,
		"task_id":  opts.TaskID,
	})

	copied := *state
	return &copied, nil
}

func (s *Supervisor) logPath(proj string) string {
	return filepath.Join(s.opts.LogDir, proj+".log")
}

func (s *Supervisor) startProcess(state *State, workDir, task string) (*session, error) {
	if err := os.MkdirAll(s.opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent log dir: %w", err)
	}
	logFile, err := os.OpenFile(s.logPath(state.Project), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}

	fmt.Fprintf(logFile, "\n\n=== Agent started at %s ===\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(logFile, "Project: %s\n", state.Project)
	fmt.Fprintf(logFile, "Provider: %s\n", state.Provider)
	taskLine := task
	if taskLine == "" {
		taskLine = "none"
	}
	fmt.Fprintf(logFile, "Task: %s\n", taskLine)
	fmt.Fprintf(logFile, "%s\n\n", strings.Repeat("=", 50))

	offset, err := logFile.Seek(0, io.SeekEnd)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("seek agent log: %w", err)
	}

	args := append([]string(nil), s.opts.Args...)
	if task != "" {
		args = append(args, task)
	}
	cmd := exec.Command(s.opts.Command, args...)
	cmd.Dir = workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}
	state.PID = cmd.Process.Pid

	sess := &session{state: state, logFile: logFile, logOffset: offset}
	if s.opts.Runs != nil {
		runID, err := s.opts.Runs.Start(Run{
			Project:  state.Project,
			Provider: state.Provider,
			Task:     task,
			TaskID:   state.TaskID,
			PID:      state.PID,
			LogFile:  s.logPath(state.Project),
		})
		if err != nil {
			s.log.WithProject(state.Project).WithError(err).Warn("failed to record agent run")
		}
		sess.runID = runID
	}

	go s.monitor(sess, cmd)
	return sess, nil
}

// monitor waits for process exit, captures this run's output and
// settles the session state.
func (s *Supervisor) monitor(sess *session, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	proj := sess.state.Project
	output := s.captureOutput(proj, sess.logOffset)

	fmt.Fprintf(sess.logFile, "\n\n=== Agent exited with code %d at %s ===\n", exitCode, time.Now().Format(time.RFC3339))
	sess.logFile.Close()

	s.mu.Lock()
	intentional := s.stopping[proj]
	delete(s.stopping, proj)

	state := sess.state
	state.PID = 0
	now := time.Now()
	state.LastActivity = &now
	runStatus := RunCompleted
	if intentional {
		state.Status = StatusStopped
		state.Error = ""
		runStatus = RunStopped
	} else if exitCode == 0 {
		state.Status = StatusStopped
		state.Error = ""
	} else {
		state.Status = StatusError
		state.Error = exitError(exitCode, output)
		runStatus = RunFailed
	}
	if err := state.save(s.opts.StateDir); err != nil {
		s.log.WithProject(proj).WithError(err).Warn("failed to persist agent state")
	}
	taskID := state.TaskID
	s.mu.Unlock()

	if s.opts.Runs != nil && sess.runID != "" {
		if err := s.opts.Runs.Finish(sess.runID, exitCode, runStatus, state.Error); err != nil {
			s.log.WithProject(proj).WithError(err).Warn("failed to finish agent run")
		}
	}

	s.log.WithProject(proj).Info("agent exited", zap.Int("exit_code", exitCode), zap.Bool("stopped", intentional))

	ctx := context.Background()
	s.publish(ctx, events.AgentStopped, proj, map[string]any{
		"exit_code":   exitCode,
		"intentional": intentional,
	})
	if !intentional {
		s.publish(ctx, events.AgentTaskCompleted, proj, map[string]any{
			"exit_code": exitCode,
			"output":    output,
			"task_id":   taskID,
		})
		if exitCode != 0 {
			s.publish(ctx, events.AgentError, proj, map[string]any{
				"exit_code": exitCode,
				"error":     state.Error,
			})
		}
	}
}

// captureOutput reads this run's output from the log file, starting at
// the offset recorded when the process was spawned.
func (s *Supervisor) captureOutput(proj string, offset int64) string {
	raw, err := os.ReadFile(s.logPath(proj))
	if err != nil || int64(len(raw)) <= offset {
		return ""
	}
	output := strings.TrimSpace(string(raw[offset:]))
	if s.opts.Scrubber != nil {
		output = s.opts.Scrubber.Scrub(output)
	}
	return output
}

func exitError(exitCode int, output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "===") {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return fmt.Sprintf("exit code %d: %s", exitCode, line)
	}
	return fmt.Sprintf("agent exited with code %d", exitCode)
}

// Stop terminates a session. With force the process group gets SIGKILL
// immediately, otherwise SIGTERM.
func (s *Supervisor) Stop(ctx context.Context, proj string, force bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[proj]
	if !ok {
		s.mu.Unlock()
		return ErrNotRunning
	}
	pid := sess.state.PID
	if pid != 0 {
		s.stopping[proj] = true
	}
	s.mu.Unlock()

	if pid != 0 {
		if err := signalGroup(pid, force); err != nil {
			s.log.WithProject(proj).WithError(err).Warn("failed to signal agent process group")
		}
		return nil
	}

	// No live process, settle the state directly.
	s.mu.Lock()
	sess.state.Status = StatusStopped
	sess.state.PID = 0
	if err := sess.state.save(s.opts.StateDir); err != nil {
		s.log.WithProject(proj).WithError(err).Warn("failed to persist agent state")
	}
	s.mu.Unlock()
	s.publish(ctx, events.AgentStopped, proj, map[string]any{"exit_code": 0, "intentional": true})
	return nil
}

// AssignTask hands a task to the project's agent, spawning a fresh
// session when none is live.
func (s *Supervisor) AssignTask(ctx context.Context, proj, task, taskID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[proj]
	if !ok || sess.state.Status.Spawnable() {
		return s.spawnLocked(ctx, proj, SpawnOptions{Task: task, TaskID: taskID})
	}
	if sess.state.Status == StatusWorking {
		return nil, fmt.Errorf("%w: %s", ErrBusy, proj)
	}

	now := time.Now()
	sess.state.CurrentTask = task
	sess.state.TaskID = taskID
	sess.state.Status = StatusWorking
	sess.state.LastActivity = &now
	if err := sess.state.save(s.opts.StateDir); err != nil {
		s.log.WithProject(proj).WithError(err).Warn("failed to persist agent state")
	}
	s.publish(ctx, events.AgentStatus, proj, map[string]any{"status": string(StatusWorking), "task_id": taskID})
	copied := *sess.state
	return &copied, nil
}

// UpdateStatus records a status report from the agent itself.
func (s *Supervisor) UpdateStatus(ctx context.Context, proj string, status Status, errMsg string) (*State, error) {
	s.mu.Lock()
	sess, ok := s.sessions[proj]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	old := sess.state.Status
	now := time.Now()
	sess.state.Status = status
	sess.state.LastActivity = &now
	if errMsg != "" {
		sess.state.Error = errMsg
	}
	if err := sess.state.save(s.opts.StateDir); err != nil {
		s.log.WithProject(proj).WithError(err).Warn("failed to persist agent state")
	}
	copied := *sess.state
	s.mu.Unlock()

	if old != status {
		s.publish(ctx, events.AgentStatus, proj, map[string]any{"status": string(status)})
	}
	return &copied, nil
}

// GetLogs returns the last n log lines for a project, scrubbed.
func (s *Supervisor) GetLogs(proj string, n int) (string, error) {
	if n <= 0 {
		n = 100
	}
	raw, err := os.ReadFile(s.logPath(proj))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read agent log: %w", err)
	}
	lines := strings.Split(string(raw), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.Join(lines, "\n")
	if s.opts.Scrubber != nil {
		out = s.opts.Scrubber.Scrub(out)
	}
	return out, nil
}

// CheckHealth probes every session's process and settles sessions whose
// process died without the monitor noticing. Returns liveness per project.
func (s *Supervisor) CheckHealth() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := map[string]bool{}
	for proj, sess := range s.sessions {
		if sess.state.PID != 0 {
			alive := pidAlive(sess.state.PID)
			health[proj] = alive
			if !alive {
				sess.state.Status = StatusStopped
				sess.state.PID = 0
				if err := sess.state.save(s.opts.StateDir); err != nil {
					s.log.WithProject(proj).WithError(err).Warn("failed to persist agent state")
				}
			}
			continue
		}
		health[proj] = !sess.state.Status.Spawnable()
	}
	return health
}

// CleanupStopped drops stopped sessions and their snapshots. Returns
// how many were removed.
func (s *Supervisor) CleanupStopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for proj, sess := range s.sessions {
		if sess.state.Status == StatusStopped {
			deleteState(s.opts.StateDir, proj)
			delete(s.sessions, proj)
			count++
		}
	}
	return count
}

func (s *Supervisor) publish(ctx context.Context, eventType, proj string, data map[string]any) {
	if s.opts.Bus == nil {
		return
	}
	if err := bus.Emit(ctx, s.opts.Bus, eventType, proj, data); err != nil {
		s.log.WithProject(proj).WithError(err).Warn("failed to publish agent event")
	}
}
