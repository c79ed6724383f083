package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiscoverMonorepo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "frontend", "package.json"),
		`{"scripts": {"dev": "vite", "build": "vite build", "test": "vitest"}}`)
	writeFile(t, filepath.Join(dir, "backend", "pyproject.toml"),
		"[project]\nname = \"api\"\ndependencies = [\"fastapi\"]\n")

	found := Discover(context.Background(), nil, "webapp", dir)
	require.Len(t, found, 2)

	byName := map[string]Discovered{}
	for _, p := range found {
		byName[p.Name] = p
	}

	frontend := byName["frontend"]
	assert.Equal(t, "npm run dev", frontend.Command)
	assert.Equal(t, 3000, frontend.DefaultPort)
	assert.Equal(t, "frontend", frontend.Cwd)

	backend := byName["backend"]
	assert.Equal(t, "uvicorn main:app --reload", backend.Command)
	assert.Equal(t, 8000, backend.DefaultPort)
}

func TestDiscoverSingleAppWithWorker(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"),
		`{"scripts": {"start": "node index.js", "worker:dev": "node worker.js", "lint": "eslint ."}}`)

	found := Discover(context.Background(), nil, "svc", dir)
	require.Len(t, found, 2)

	names := []string{found[0].Name, found[1].Name}
	assert.Contains(t, names, "app")
	assert.Contains(t, names, "worker-dev")
}

func TestDiscoverVitePortDetection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"),
		`{"scripts": {"dev": "vite --port 5173"}}`)

	found := Discover(context.Background(), nil, "web", dir)
	require.Len(t, found, 1)
	assert.Equal(t, 5173, found[0].DefaultPort)
}

func TestDiscoverSkipsBuildLikeScripts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"),
		`{"scripts": {"build": "tsc", "test": "jest", "migrate": "prisma migrate"}}`)

	found := Discover(context.Background(), nil, "lib", dir)
	assert.Empty(t, found)
}

func TestDiscoverEmptyProject(t *testing.T) {
	assert.Empty(t, Discover(context.Background(), nil, "none", t.TempDir()))
}

type fakeAnalyzer struct {
	result []Discovered
	err    error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, project string, files map[string]string) ([]Discovered, error) {
	return f.result, f.err
}

func TestDiscoverPrefersAnalyzer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), `{"scripts": {"dev": "vite"}}`)

	analyzer := &fakeAnalyzer{result: []Discovered{
		{Name: "frontend", Command: "npm run dev", DefaultPort: 3000},
		{Name: "frontend", Command: "npm run dev"},       // duplicate
		{Name: "tests", Command: "npm run test:watch"},   // filtered
		{Name: "worker", Command: "npm run queue:start"}, // kept
	}}

	found := Discover(context.Background(), analyzer, "webapp", dir)
	require.Len(t, found, 2)
	assert.Equal(t, "frontend", found[0].Name)
	assert.Equal(t, "worker", found[1].Name)
}

func TestDiscoverFallsBackOnAnalyzerError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), `{"scripts": {"dev": "vite"}}`)

	found := Discover(context.Background(), &fakeAnalyzer{err: errors.New("model offline")}, "webapp", dir)
	require.Len(t, found, 1)
	assert.Equal(t, "app", found[0].Name)
}
