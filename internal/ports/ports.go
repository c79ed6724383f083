// Package ports coordinates dev-server port assignments across projects.
//
// Assignments persist in ports.json under the ADT home so they survive
// restarts and stay stable across runs of the same service.
package ports

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Default assignment range. Ports outside it are never auto-assigned.
const (
	RangeStart = 3000
	RangeEnd   = 9000
)

// ErrNoPorts is returned when the whole range is taken.
var ErrNoPorts = errors.New("no available ports in range")

// ErrPortUnavailable is returned by Set when the requested port is
// reserved or bound by another process.
var ErrPortUnavailable = errors.New("port unavailable")

// reservedPorts are never assigned: well-known infrastructure ports
// plus the command center's own listener.
var reservedPorts = map[int]bool{
	5432:  true, // PostgreSQL
	5433:  true, // PostgreSQL alt
	6379:  true, // Redis
	8420:  true, // ADT server
	27017: true, // MongoDB
}

// Assignment records a port given to a project service.
type Assignment struct {
	Project string `json:"project"`
	Service string `json:"service"`
	Port    int    `json:"port"`
	InUse   bool   `json:"in_use"`
}

type registryFile struct {
	RangeStart  int                   `json:"range_start"`
	RangeEnd    int                   `json:"range_end"`
	Assignments map[string]Assignment `json:"assignments"`
}

// Registry hands out ports and remembers who holds them.
type Registry struct {
	mu   sync.Mutex
	path string
	file registryFile
}

// Open loads the registry from dir/ports.json, starting empty if the
// file is missing or unreadable.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ports dir: %w", err)
	}
	r := &Registry{
		path: filepath.Join(dir, "ports.json"),
		file: registryFile{
			RangeStart:  RangeStart,
			RangeEnd:    RangeEnd,
			Assignments: map[string]Assignment{},
		},
	}
	raw, err := os.ReadFile(r.path)
	if err == nil {
		var f registryFile
		if jsonErr := json.Unmarshal(raw, &f); jsonErr == nil {
			if f.RangeStart > 0 {
				r.file.RangeStart = f.RangeStart
			}
			if f.RangeEnd > 0 {
				r.file.RangeEnd = f.RangeEnd
			}
			if f.Assignments != nil {
				r.file.Assignments = f.Assignments
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read ports.json: %w", err)
	}
	return r, nil
}

func key(project, service string) string {
	return project + ":" + service
}

// Available reports whether the port can be bound on localhost.
func Available(port int) bool {
	ln, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err == nil {
		ln.Close()
		return false
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Get returns the assigned port for a project service, or 0.
func (r *Registry) Get(project, service string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Assignments[key(project, service)].Port
}

// Assign returns a stable port for the service. An existing assignment
// is reused while it can still be bound; otherwise the preferred port
// is tried, then the next free port in range.
func (r *Registry) Assign(project, service string, preferred int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(project, service)
	if existing, ok := r.file.Assignments[k]; ok && Available(existing.Port) {
		return existing.Port, nil
	}

	if preferred > 0 && !reservedPorts[preferred] && !r.assignedElsewhere(k, preferred) && Available(preferred) {
		return preferred, r.save(k, project, service, preferred)
	}

	for port := r.file.RangeStart; port < r.file.RangeEnd; port++ {
		if reservedPorts[port] || r.assignedElsewhere(k, port) {
			continue
		}
		if Available(port) {
			return port, r.save(k, project, service, port)
		}
	}
	return 0, ErrNoPorts
}

// Set pins a specific port to a service. The port must not be reserved,
// and must be free unless it is already held by this same service.
func (r *Registry) Set(project, service string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reservedPorts[port] {
		return fmt.Errorf("%w: %d is reserved", ErrPortUnavailable, port)
	}
	k := key(project, service)
	if !Available(port) {
		existing, ok := r.file.Assignments[k]
		if !ok || existing.Port != port {
			return fmt.Errorf("%w: %d is in use", ErrPortUnavailable, port)
		}
	}
	return r.save(k, project, service, port)
}

// Release drops the assignment for a service if present.
func (r *Registry) Release(project, service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(project, service)
	if _, ok := r.file.Assignments[k]; !ok {
		return nil
	}
	delete(r.file.Assignments, k)
	return r.persist()
}

// List returns assignments sorted by project then service, optionally
// filtered by project, with in_use refreshed by a live bind probe.
func (r *Registry) List(project string) []Assignment {
	r.mu.Lock()
	out := make([]Assignment, 0, len(r.file.Assignments))
	for _, a := range r.file.Assignments {
		if project != "" && a.Project != project {
			continue
		}
		out = append(out, a)
	}
	r.mu.Unlock()

	for i := range out {
		out[i].InUse = !Available(out[i].Port)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Service < out[j].Service
	})
	return out
}

// ProjectPorts returns service -> port for one project.
func (r *Registry) ProjectPorts(project string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]int{}
	for _, a := range r.file.Assignments {
		if a.Project == project {
			out[a.Service] = a.Port
		}
	}
	return out
}

func (r *Registry) assignedElsewhere(selfKey string, port int) bool {
	for k, a := range r.file.Assignments {
		if k != selfKey && a.Port == port {
			return true
		}
	}
	return false
}

func (r *Registry) save(k, project, service string, port int) error {
	r.file.Assignments[k] = Assignment{Project: project, Service: service, Port: port}
	return r.persist()
}

func (r *Registry) persist() error {
	raw, err := json.MarshalIndent(r.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ports.json: %w", err)
	}
	if err := os.WriteFile(r.path, raw, 0o644); err != nil {
		return fmt.Errorf("write ports.json: %w", err)
	}
	return nil
}
