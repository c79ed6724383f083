package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/events"
	"github.com/adt-sh/adt/internal/events/bus"
	"github.com/adt-sh/adt/internal/task"
	"github.com/adt-sh/adt/internal/vault"
)

var (
	// ErrNotFound is returned for unknown process ids.
	ErrNotFound = errors.New("process not found")
	// ErrAlreadyRunning is returned by Start on a running process.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrNotFailed is returned by CreateFixTask on a process that has
	// not failed.
	ErrNotFailed = errors.New("process has not failed")
)

// PortAllocator hands out stable ports per project service.
type PortAllocator interface {
	Assign(project, service string, preferred int) (int, error)
	Release(project, service string) error
}

// TaskCreator files repair tasks for failed processes.
type TaskCreator interface {
	Create(project, description string, priority task.Priority, opts task.CreateOptions) (*task.Task, error)
}

// Options configures a Supervisor.
type Options struct {
	StateDir string
	LogDir   string
	Ports    PortAllocator
	Tasks    TaskCreator
	Bus      bus.EventBus
	Scrubber *vault.Scrubber
	Log      *logger.Logger
}

// Supervisor owns all managed processes.
type Supervisor struct {
	opts Options
	log  *logger.Logger

	mu        sync.Mutex
	processes map[string]*State
	children  map[string]*exec.Cmd
	logFiles  map[string]*os.File
	stopping  map[string]bool
}

// NewSupervisor creates a supervisor and restores persisted process
// snapshots. Processes recorded as running are settled to stopped
// since their children did not survive the server.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	s := &Supervisor{
		opts:      opts,
		log:       opts.Log,
		processes: map[string]*State{},
		children:  map[string]*exec.Cmd{},
		logFiles:  map[string]*os.File{},
		stopping:  map[string]bool{},
	}
	for _, state := range loadStates(opts.StateDir) {
		if state.Status == StatusRunning || state.Status == StatusStarting {
			state.Status = StatusStopped
			state.PID = 0
			if err := state.save(opts.StateDir); err != nil {
				s.log.WithProject(state.Project).WithError(err).Warn("failed to persist restored process state")
			}
		}
		s.processes[state.ID] = state
	}
	return s
}

// Register records a process configuration without starting it.
func (s *Supervisor) Register(project, name, command, cwd string, procType Type, port int) (*State, error) {
	if procType == "" {
		procType = TypeDevServer
	}
	state := &State{
		ID:      ProcessID(project, name),
		Project: project,
		Name:    name,
		Type:    procType,
		Command: command,
		Cwd:     cwd,
		Status:  StatusIdle,
		Port:    port,
	}
	if err := state.save(s.opts.StateDir); err != nil {
		return nil, fmt.Errorf("persist process state: %w", err)
	}

	s.mu.Lock()
	s.processes[state.ID] = state
	s.mu.Unlock()

	copied := *state
	return &copied, nil
}

func (s *Supervisor) logPath(id string) string {
	return filepath.Join(s.opts.LogDir, id+".log")
}

// Start launches a registered process in its own process group. The
// command's embedded port is rewritten to the registry's assignment
// when they disagree.
func (s *Supervisor) Start(ctx context.Context, id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if state.Status == StatusRunning || state.Status == StatusStarting {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	command := state.Command
	if s.opts.Ports != nil {
		preferred := state.Port
		if embedded, ok := EmbeddedPort(command); ok && preferred == 0 {
			preferred = embedded
		}
		port, err := s.opts.Ports.Assign(state.Project, state.Name, preferred)
		if err != nil {
			return nil, fmt.Errorf("assign port for %s: %w", id, err)
		}
		if embedded, ok := EmbeddedPort(command); !ok || embedded != port {
			command = RewritePort(command, port)
		}
		state.Port = port
	}

	if err := os.MkdirAll(s.opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create process log dir: %w", err)
	}
	logFile, err := os.OpenFile(s.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}
	fmt.Fprintf(logFile, "\n\n=== Process started at %s ===\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(logFile, "Command: %s\n", command)
	fmt.Fprintf(logFile, "CWD: %s\n", state.Cwd)
	fmt.Fprintf(logFile, "%s\n\n", strings.Repeat("=", 50))

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = state.Cwd
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "FORCE_COLOR=1", "NODE_ENV=development")
	if state.Port != 0 {
		cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(state.Port))
	}
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		state.Status = StatusFailed
		state.Error = err.Error()
		s.persist(state)
		return nil, fmt.Errorf("start process %s: %w", id, err)
	}

	now := time.Now()
	state.Status = StatusRunning
	state.PID = cmd.Process.Pid
	state.StartedAt = &now
	state.ExitCode = nil
	state.Error = ""
	s.persist(state)
	s.children[id] = cmd
	s.logFiles[id] = logFile
	delete(s.stopping, id)

	s.log.WithProject(state.Project).Info("process started",
		zap.String("process_id", id),
		zap.Int("pid", state.PID),
		zap.Int("port", state.Port))
	s.publish(ctx, events.ProcessStarted, state.Project, map[string]any{
		"process_id": id,
		"pid":        state.PID,
		"port":       state.Port,
	})

	go s.monitor(id, cmd)

	copied := *state
	return &copied, nil
}

// monitor waits for child exit and classifies the outcome: operator
// stops stay "stopped" whatever the exit code, anything else with a
// non-zero exit becomes "failed".
func (s *Supervisor) monitor(id string, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	if f, ok := s.logFiles[id]; ok {
		fmt.Fprintf(f, "\n\n=== Process exited with code %d at %s ===\n", exitCode, time.Now().Format(time.RFC3339))
		f.Close()
		delete(s.logFiles, id)
	}
	delete(s.children, id)
	intentional := s.stopping[id]
	delete(s.stopping, id)

	state, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.PID = 0
	state.ExitCode = &exitCode
	if intentional || exitCode == 0 {
		state.Status = StatusStopped
	} else {
		state.Status = StatusFailed
		state.Error = s.deriveError(id, exitCode)
	}
	s.persist(state)
	project := state.Project
	status := state.Status
	errMsg := state.Error
	s.mu.Unlock()

	s.log.WithProject(project).Info("process exited",
		zap.String("process_id", id),
		zap.Int("exit_code", exitCode),
		zap.Bool("intentional", intentional))

	ctx := context.Background()
	if status == StatusFailed {
		s.publish(ctx, events.ProcessFailed, project, map[string]any{
			"process_id": id,
			"exit_code":  exitCode,
			"error":      errMsg,
		})
	} else {
		s.publish(ctx, events.ProcessStopped, project, map[string]any{
			"process_id": id,
			"exit_code":  exitCode,
		})
	}
}

// deriveError scans the log tail for an error-shaped line.
func (s *Supervisor) deriveError(id string, exitCode int) string {
	markers := []string{"error", "exception", "traceback", "fatal", "panic", "refused", "cannot", "failed"}
	for _, line := range s.tailLines(id, 40) {
		lower := strings.ToLower(line)
		for _, marker := range markers {
			if strings.Contains(lower, marker) {
				if len(line) > 200 {
					line = line[:200]
				}
				return fmt.Sprintf("exit code %d: %s", exitCode, strings.TrimSpace(line))
			}
		}
	}
	return fmt.Sprintf("process exited with code %d", exitCode)
}

func (s *Supervisor) tailLines(id string, n int) []string {
	raw, err := os.ReadFile(s.logPath(id))
	if err != nil {
		return nil
	}
	lines := strings.Split(string(raw), "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "===") {
			continue
		}
		out = append(out, line)
	}
	// restore file order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Stop terminates a process group, then sweeps the bound port for
// orphans that survived the group signal.
func (s *Supervisor) Stop(ctx context.Context, id string, force bool) (*State, error) {
	s.mu.Lock()
	state, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if state.Status != StatusRunning {
		copied := *state
		s.mu.Unlock()
		return &copied, nil
	}
	s.stopping[id] = true
	pid := state.PID
	port := state.Port
	s.mu.Unlock()

	if pid != 0 {
		if err := signalGroup(pid, force); err != nil {
			s.log.WithError(err).Warn("failed to signal process group", zap.String("process_id", id))
		}
	}
	if port != 0 {
		s.sweepPort(port, pid, force)
	}

	s.mu.Lock()
	state.Status = StatusStopped
	state.PID = 0
	s.persist(state)
	copied := *state
	s.mu.Unlock()

	s.publish(ctx, events.ProcessStopped, copied.Project, map[string]any{
		"process_id": id,
		"exit_code":  0,
	})
	return &copied, nil
}

// sweepPort kills orphan processes still holding the port. Grandchildren
// double-forked out of the process group survive group signals, so the
// port scan is the cleanup of last resort.
func (s *Supervisor) sweepPort(port, groupPid int, force bool) {
	out, err := exec.Command("lsof", "-t", "-i", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid == groupPid || pid == os.Getpid() {
			continue
		}
		if err := signalPid(pid, force); err == nil {
			s.log.Warn("killed orphan process holding port",
				zap.Int("pid", pid), zap.Int("port", port))
		}
	}
}

// Restart stops then starts a process.
func (s *Supervisor) Restart(ctx context.Context, id string) (*State, error) {
	if _, err := s.Stop(ctx, id, false); err != nil {
		return nil, err
	}
	// Give the group a moment to release the port.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, live := s.children[id]
		s.mu.Unlock()
		if !live {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return s.Start(ctx, id)
}

// Get returns a process snapshot by id.
func (s *Supervisor) Get(id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *state
	return &copied, nil
}

// List returns all processes, optionally filtered by project.
func (s *Supervisor) List(project string) []*State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*State, 0, len(s.processes))
	for _, state := range s.processes {
		if project != "" && state.Project != project {
			continue
		}
		copied := *state
		out = append(out, &copied)
	}
	return out
}

// ListRunning returns only running processes.
func (s *Supervisor) ListRunning() []*State {
	var out []*State
	for _, state := range s.List("") {
		if state.Status == StatusRunning {
			out = append(out, state)
		}
	}
	return out
}

// GetLogs returns the last n log lines for a process, scrubbed.
func (s *Supervisor) GetLogs(id string, n int) (string, error) {
	s.mu.Lock()
	_, ok := s.processes[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n <= 0 {
		n = 100
	}
	raw, err := os.ReadFile(s.logPath(id))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read process log: %w", err)
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

// CreateFixTask files a high-priority repair task for a failed process,
// embedding the command, derived error and log tail.
func (s *Supervisor) CreateFixTask(id string) (*task.Task, error) {
	if s.opts.Tasks == nil {
		return nil, errors.New("task store not configured")
	}
	s.mu.Lock()
	state, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if state.Status != StatusFailed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, state.Status)
	}
	copied := *state
	s.mu.Unlock()

	tail := strings.Join(s.tailLines(id, 20), "\n")
	if s.opts.Scrubber != nil {
		tail = s.opts.Scrubber.Scrub(tail)
	}
	description := fmt.Sprintf(
		"Fix the failing %q service.\n\nCommand: %s\nError: %s\n\nRecent log output:\n%s",
		copied.Name, copied.Command, copied.Error, tail)

	return s.opts.Tasks.Create(copied.Project, description, task.PriorityHigh, task.CreateOptions{
		Metadata: map[string]any{
			"source":     "process_supervisor",
			"process_id": id,
		},
	})
}

// StopAll force-stops every running process, used at server shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, state := range s.ListRunning() {
		if _, err := s.Stop(ctx, state.ID, true); err != nil {
			s.log.WithError(err).Warn("failed to stop process", zap.String("process_id", state.ID))
		}
	}
}

func (s *Supervisor) persist(state *State) {
	if err := state.save(s.opts.StateDir); err != nil {
		s.log.WithProject(state.Project).WithError(err).Warn("failed to persist process state")
	}
}

func (s *Supervisor) publish(ctx context.Context, eventType, project string, data map[string]any) {
	if s.opts.Bus == nil {
		return
	}
	if err := bus.Emit(ctx, s.opts.Bus, eventType, project, data); err != nil {
		s.log.WithError(err).Warn("failed to publish process event")
	}
}
