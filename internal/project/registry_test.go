package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGetList(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "main.db"), "")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Add(Project{Name: "webapp", Path: "/src/webapp", Tags: []string{"go", "web"}}))
	require.NoError(t, r.Add(Project{Name: "api", Path: "/src/api"}))

	got, err := r.Get("webapp")
	require.NoError(t, err)
	assert.Equal(t, "/src/webapp", got.Path)
	assert.Equal(t, []string{"go", "web"}, got.Tags)

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].Name)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddRefreshesExisting(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "main.db"), "")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Add(Project{Name: "webapp", Path: "/old"}))
	require.NoError(t, r.Add(Project{Name: "webapp", Path: "/new"}))

	got, err := r.Get("webapp")
	require.NoError(t, err)
	assert.Equal(t, "/new", got.Path)

	all, err := r.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSeedFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `projects:
  - name: demo
    path: /tmp/demo
    description: demo project
    tags: [sandbox]
  - name: incomplete
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "projects.yaml"), []byte(yaml), 0o644))

	r, err := Open(filepath.Join(dir, "main.db"), dir)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/demo", got.Path)
	assert.Equal(t, "demo project", got.Description)

	// Entries without a path are skipped.
	_, err = r.Get("incomplete")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "main.db"), "")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Add(Project{Name: "gone", Path: "/x"}))
	ok, err := r.Remove("gone")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Remove("gone")
	require.NoError(t, err)
	assert.False(t, ok)
}
