// Package core assembles the command center's services into one value
// passed to the gateway, the chat adapters and the CLI server command.
package core

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/adt-sh/adt/internal/agent"
	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/auth"
	"github.com/adt-sh/adt/internal/common/config"
	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/events/bus"
	"github.com/adt-sh/adt/internal/orchestrator"
	"github.com/adt-sh/adt/internal/ports"
	"github.com/adt-sh/adt/internal/process"
	"github.com/adt-sh/adt/internal/project"
	"github.com/adt-sh/adt/internal/streaming"
	"github.com/adt-sh/adt/internal/task"
	"github.com/adt-sh/adt/internal/vault"
)

// Core bundles every service the command center runs on.
type Core struct {
	Config   *config.Config
	Log      *logger.Logger
	Vault    *vault.Vault
	Scrubber *vault.Scrubber
	Audit    *audit.Log
	Auth     *auth.Manager
	Bus      bus.EventBus
	Journal  *bus.Journal
	Tasks    *task.Store
	Projects *project.Registry
	Runs     *agent.RunStore
	Agents   *agent.Supervisor
	Ports    *ports.Registry
	Procs    *process.Supervisor
	Streamer *streaming.Manager
	Orch     *orchestrator.Orchestrator
}

// New opens every store and wires the services together under the ADT
// home directory.
func New(cfg *config.Config, log *logger.Logger) (*Core, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}
	home := config.Home()
	dataDir := config.DataDir()

	c := &Core{Config: cfg, Log: log}

	c.Vault = vault.New(home, log)
	c.Scrubber = vault.NewScrubber()
	c.Scrubber.LoadVault(c.Vault)
	cfg.ResolveSecrets(c.Vault)

	var err error
	if c.Audit, err = audit.Open(filepath.Join(dataDir, "audit.db"), log); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if c.Auth, err = auth.Open(filepath.Join(dataDir, "auth.db"), log); err != nil {
		c.Close()
		return nil, fmt.Errorf("open auth store: %w", err)
	}

	if c.Bus, err = bus.New(cfg.NATS, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("open event bus: %w", err)
	}
	if c.Journal, err = bus.OpenJournal(filepath.Join(dataDir, "logs.db"), c.Bus); err != nil {
		c.Close()
		return nil, fmt.Errorf("open event journal: %w", err)
	}

	if c.Tasks, err = task.Open(filepath.Join(dataDir, "tasks.db"), log, c.Bus); err != nil {
		c.Close()
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if c.Projects, err = project.Open(filepath.Join(dataDir, "main.db"), home); err != nil {
		c.Close()
		return nil, fmt.Errorf("open project registry: %w", err)
	}
	if c.Runs, err = agent.OpenRuns(filepath.Join(dataDir, "logs.db")); err != nil {
		c.Close()
		return nil, fmt.Errorf("open run history: %w", err)
	}
	if c.Ports, err = ports.Open(home); err != nil {
		c.Close()
		return nil, fmt.Errorf("open port registry: %w", err)
	}

	c.Agents = agent.NewSupervisor(agent.Options{
		Command:  cfg.Agents.Command,
		Args:     cfg.Agents.Args,
		StateDir: config.AgentStateDir(),
		LogDir:   config.AgentLogsDir(),
		Projects: c.Projects,
		Scrubber: c.Scrubber,
		Bus:      c.Bus,
		Runs:     c.Runs,
		Log:      log,
	})
	c.Procs = process.NewSupervisor(process.Options{
		StateDir: config.ProcessStateDir(),
		LogDir:   config.ProcessLogsDir(),
		Ports:    c.Ports,
		Tasks:    c.Tasks,
		Bus:      c.Bus,
		Scrubber: c.Scrubber,
		Log:      log,
	})
	c.Streamer = streaming.NewManager(config.AgentLogsDir(), c.Scrubber, log)

	if c.Orch, err = orchestrator.New(orchestrator.Options{
		Agents:        c.Agents,
		Tasks:         c.Tasks,
		Bus:           c.Bus,
		Log:           log,
		PollInterval:  cfg.Orchestrator.PollIntervalDuration(),
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		StuckTimeout:  cfg.Orchestrator.StuckTimeoutDuration(),
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return c, nil
}

// BootstrapAdmin mints the initial admin token when the token store is
// empty and records its creation in the audit log. Returns "" when
// tokens already exist.
func (c *Core) BootstrapAdmin() (string, error) {
	plain, info, err := c.Auth.BootstrapAdminToken()
	if err != nil || plain == "" {
		return "", err
	}
	c.Audit.MustRecord(audit.Event{
		Action:       audit.ActionAuthTokenCreated,
		ActorType:    audit.ActorSystem,
		ResourceType: "token",
		ResourceID:   info.ID,
		Metadata:     map[string]any{"name": info.Name, "role": string(info.Role), "bootstrap": true},
	})
	return plain, nil
}

// Close tears the core down in reverse order of assembly.
func (c *Core) Close() {
	if c.Orch != nil {
		c.Orch.Close()
	}
	if c.Streamer != nil {
		c.Streamer.StopAll()
	}
	if c.Procs != nil {
		c.Procs.StopAll(context.Background())
	}
	if c.Journal != nil {
		_ = c.Journal.Close()
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
	if c.Runs != nil {
		_ = c.Runs.Close()
	}
	if c.Projects != nil {
		_ = c.Projects.Close()
	}
	if c.Tasks != nil {
		_ = c.Tasks.Close()
	}
	if c.Auth != nil {
		_ = c.Auth.Close()
	}
	if c.Audit != nil {
		_ = c.Audit.Close()
	}
}
