package ports

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestAssignIsStable(t *testing.T) {
	r := openTestRegistry(t)

	first, err := r.Assign("webapp", "frontend", 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, RangeStart)
	assert.Less(t, first, RangeEnd)

	again, err := r.Assign("webapp", "frontend", 0)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestAssignPrefersRequestedPort(t *testing.T) {
	r := openTestRegistry(t)

	// Find a port we know is free right now.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := l.Addr().(*net.TCPAddr).Port
	l.Close()

	got, err := r.Assign("webapp", "backend", free)
	require.NoError(t, err)
	assert.Equal(t, free, got)
}

func TestAssignSkipsReservedPreference(t *testing.T) {
	r := openTestRegistry(t)

	got, err := r.Assign("webapp", "db", 5432)
	require.NoError(t, err)
	assert.NotEqual(t, 5432, got)
}

func TestAssignAvoidsOtherAssignments(t *testing.T) {
	r := openTestRegistry(t)

	a, err := r.Assign("one", "web", 0)
	require.NoError(t, err)
	b, err := r.Assign("two", "web", 0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSetRejectsReservedAndBoundPorts(t *testing.T) {
	r := openTestRegistry(t)

	assert.ErrorIs(t, r.Set("webapp", "db", 6379), ErrPortUnavailable)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	bound := l.Addr().(*net.TCPAddr).Port

	assert.ErrorIs(t, r.Set("webapp", "api", bound), ErrPortUnavailable)
}

func TestSetAllowsOwnBoundPort(t *testing.T) {
	r := openTestRegistry(t)

	port, err := r.Assign("webapp", "api", 0)
	require.NoError(t, err)

	// Simulate the service running on its assigned port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_ = port

	require.NoError(t, r.Set("webapp", "api", port))
}

func TestReleaseAndList(t *testing.T) {
	r := openTestRegistry(t)

	_, err := r.Assign("webapp", "frontend", 0)
	require.NoError(t, err)
	_, err = r.Assign("other", "api", 0)
	require.NoError(t, err)

	all := r.List("")
	assert.Len(t, all, 2)
	assert.Equal(t, "other", all[0].Project)

	one := r.List("webapp")
	require.Len(t, one, 1)
	assert.Equal(t, "frontend", one[0].Service)

	require.NoError(t, r.Release("webapp", "frontend"))
	assert.Empty(t, r.List("webapp"))
	require.NoError(t, r.Release("webapp", "frontend"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	port, err := r.Assign("webapp", "frontend", 0)
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, port, reopened.Get("webapp", "frontend"))
	assert.Equal(t, map[string]int{"frontend": port}, reopened.ProjectPorts("webapp"))
}
