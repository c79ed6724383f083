// Package streaming fans out live agent log output to subscribers.
//
// One tailer goroutine per project polls the agent log file and
// multicasts new content, scrubbed, to every subscriber. Tailers start
// at the current end of file, so subscribers only ever see output
// produced after they subscribed, and are torn down when the last
// subscriber leaves.
package streaming

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/vault"
)

// PollInterval is the tail poll cadence.
const PollInterval = 500 * time.Millisecond

// Sink receives scrubbed log content for a project.
type Sink func(project, content string)

type tailer struct {
	path     string
	position int64
	stop     chan struct{}
	done     chan struct{}
}

// Manager owns all project tailers.
type Manager struct {
	logDir   string
	scrubber *vault.Scrubber
	log      *logger.Logger

	mu          sync.Mutex
	tailers     map[string]*tailer
	subscribers map[string]map[uint64]Sink
	nextID      uint64
}

// NewManager creates a streaming manager reading agent logs from logDir.
func NewManager(logDir string, scrubber *vault.Scrubber, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		logDir:      logDir,
		scrubber:    scrubber,
		log:         log,
		tailers:     map[string]*tailer{},
		subscribers: map[string]map[uint64]Sink{},
	}
}

func (m *Manager) logPath(project string) string {
	return filepath.Join(m.logDir, project+".log")
}

// Subscribe registers a sink for a project's live output and returns
// an unsubscribe handle. The first subscriber starts the tailer.
func (m *Manager) Subscribe(project string, sink Sink) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if m.subscribers[project] == nil {
		m.subscribers[project] = map[uint64]Sink{}
	}
	m.subscribers[project][id] = sink

	if _, running := m.tailers[project]; !running {
		t := &tailer{
			path: m.logPath(project),
			stop: make(chan struct{}),
			done: make(chan struct{}),
		}
		// Start at the current end so history is not replayed.
		if info, err := os.Stat(t.path); err == nil {
			t.position = info.Size()
		}
		m.tailers[project] = t
		go m.tail(project, t)
	}

	return func() { m.unsubscribe(project, id) }
}

func (m *Manager) unsubscribe(project string, id uint64) {
	m.mu.Lock()
	subs := m.subscribers[project]
	if subs != nil {
		delete(subs, id)
	}
	var t *tailer
	if len(subs) == 0 {
		delete(m.subscribers, project)
		t = m.tailers[project]
		delete(m.tailers, project)
	}
	m.mu.Unlock()

	if t != nil {
		close(t.stop)
		<-t.done
	}
}

// SubscriberCount reports the live subscriber count for a project.
func (m *Manager) SubscriberCount(project string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[project])
}

// tail polls the log file until the tailer is stopped, multicasting
// anything appended since the last poll.
func (m *Manager) tail(project string, t *tailer) {
	defer close(t.done)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			content, err := m.readNew(t)
			if err != nil {
				m.log.WithProject(project).WithError(err).Debug("log tail read failed")
				continue
			}
			if content == "" {
				continue
			}
			if m.scrubber != nil {
				content = m.scrubber.Scrub(content)
			}
			m.broadcast(project, content)
		}
	}
}

func (m *Manager) readNew(t *tailer) (string, error) {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	size := info.Size()
	if size < t.position {
		// File was truncated, restart from the top.
		t.position = 0
	}
	if size == t.position {
		return "", nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Seek(t.position, io.SeekStart); err != nil {
		return "", err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	t.position += int64(len(raw))
	return string(raw), nil
}

func (m *Manager) broadcast(project, content string) {
	m.mu.Lock()
	sinks := make([]Sink, 0, len(m.subscribers[project]))
	for _, sink := range m.subscribers[project] {
		sinks = append(sinks, sink)
	}
	m.mu.Unlock()

	for _, sink := range sinks {
		sink(project, content)
	}
}

// StopAll tears down every tailer, used at server shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tailers := m.tailers
	m.tailers = map[string]*tailer{}
	m.subscribers = map[string]map[uint64]Sink{}
	m.mu.Unlock()

	for project, t := range tailers {
		close(t.stop)
		<-t.done
		m.log.WithProject(project).Debug("log tailer stopped")
	}
}
