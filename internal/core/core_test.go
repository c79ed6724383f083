package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/auth"
	"github.com/adt-sh/adt/internal/common/config"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	t.Setenv("ADT_HOME", t.TempDir())

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Agents.Command = "true"
	cfg.Orchestrator.PollInterval = 5
	cfg.Orchestrator.MaxConcurrent = 3
	cfg.Orchestrator.StuckTimeout = 300

	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestBootstrapAdminMintsOnceAndAudits(t *testing.T) {
	c := newTestCore(t)

	plain, err := c.BootstrapAdmin()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, auth.TokenPrefix))

	entries, err := c.Audit.Query(audit.Filter{Action: string(audit.ActionAuthTokenCreated)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "token", entries[0].ResourceType)
	assert.NotEmpty(t, entries[0].ResourceID)

	// With a live token in the store the bootstrap is a no-op.
	again, err := c.BootstrapAdmin()
	require.NoError(t, err)
	assert.Empty(t, again)

	entries, err = c.Audit.Query(audit.Filter{Action: string(audit.ActionAuthTokenCreated)})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
