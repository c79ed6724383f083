package process

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Discovered is a candidate long-running dev process found in a
// project's build configuration.
type Discovered struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	DefaultPort int    `json:"default_port,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
}

// Analyzer classifies project files into long-running dev processes,
// typically backed by an external LLM. A nil analyzer or an analyzer
// error falls back to the built-in heuristics.
type Analyzer interface {
	Analyze(ctx context.Context, project string, files map[string]string) ([]Discovered, error)
}

// serviceSubdirs are the conventional locations of per-service build
// files inside a monorepo.
var serviceSubdirs = []string{"frontend", "backend", "client", "server", "api", "worker", "workers"}

// skipPatterns mark scripts that are not long-running dev processes.
var skipPatterns = []string{"test", "lint", "build", "seed", "migrate", "generate", "typecheck", "format", "clean"}

// ReadProjectFiles collects the build files relevant to discovery,
// keyed by path relative to the project root.
func ReadProjectFiles(projectPath string) map[string]string {
	files := map[string]string{}

	readCapped := func(path string, cap int) (string, bool) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", false
		}
		if len(raw) > cap {
			raw = raw[:cap]
		}
		return string(raw), true
	}

	for _, name := range []string{"package.json", "pyproject.toml", "Makefile", "docker-compose.yml", "docker-compose.yaml"} {
		if content, ok := readCapped(filepath.Join(projectPath, name), 5000); ok {
			files[name] = content
		}
	}
	for _, subdir := range serviceSubdirs {
		for _, name := range []string{"package.json", "pyproject.toml"} {
			if content, ok := readCapped(filepath.Join(projectPath, subdir, name), 3000); ok {
				files[subdir+"/"+name] = content
			}
		}
	}
	return files
}

// Discover finds the long-running dev processes of a project. The
// analyzer is consulted first when present; heuristics cover the rest.
func Discover(ctx context.Context, analyzer Analyzer, project, projectPath string) []Discovered {
	files := ReadProjectFiles(projectPath)
	if len(files) == 0 {
		return nil
	}

	var found []Discovered
	if analyzer != nil {
		if result, err := analyzer.Analyze(ctx, project, files); err == nil {
			found = result
		}
	}
	if len(found) == 0 {
		found = discoverHeuristically(projectPath, files)
	}
	return deduplicate(found)
}

func discoverHeuristically(projectPath string, files map[string]string) []Discovered {
	var out []Discovered

	if content, ok := files["package.json"]; ok {
		out = append(out, nodeProcesses(content, "app", "", 3000)...)
	}

	for _, subdir := range serviceSubdirs {
		if content, ok := files[subdir+"/package.json"]; ok {
			port := 8000
			if subdir == "frontend" || subdir == "client" {
				port = 3000
			}
			out = append(out, nodeProcesses(content, subdir, subdir, port)...)
		}

		_, hasPyproject := files[subdir+"/pyproject.toml"]
		if _, err := os.Stat(filepath.Join(projectPath, subdir, "main.py")); err == nil || hasPyproject {
			port := 8080
			if subdir == "backend" || subdir == "server" || subdir == "api" {
				port = 8000
			}
			out = append(out, Discovered{
				Name:        subdir,
				Command:     "uvicorn main:app --reload",
				Description: subdir + " API server",
				DefaultPort: port,
				Cwd:         subdir,
			})
		}
	}

	if len(out) == 0 {
		if content, ok := files["pyproject.toml"]; ok && strings.Contains(strings.ToLower(content), "fastapi") {
			out = append(out, Discovered{
				Name:        "app",
				Command:     "uvicorn main:app --reload --port 8000",
				Description: "API server",
				DefaultPort: 8000,
			})
		}
	}
	return out
}

// nodeProcesses extracts dev server and worker scripts from one
// package.json.
func nodeProcesses(content, name, cwd string, port int) []Discovered {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return nil
	}

	var out []Discovered
	for _, script := range []string{"dev", "start", "serve"} {
		if _, ok := pkg.Scripts[script]; ok {
			p := port
			if body := pkg.Scripts[script]; strings.Contains(body, "5173") {
				p = 5173
			}
			out = append(out, Discovered{
				Name:        name,
				Command:     "npm run " + script,
				Description: name + " server (" + script + ")",
				DefaultPort: p,
				Cwd:         cwd,
			})
			break
		}
	}
	for script := range pkg.Scripts {
		if strings.Contains(strings.ToLower(script), "worker") {
			workerName := strings.ReplaceAll(script, ":", "-")
			if cwd != "" {
				workerName = cwd + "-" + workerName
			}
			out = append(out, Discovered{
				Name:        workerName,
				Command:     "npm run " + script,
				Description: "worker process",
				Cwd:         cwd,
			})
		}
	}
	return out
}

// deduplicate drops repeated names or commands and filters scripts
// that are clearly not long-running.
func deduplicate(found []Discovered) []Discovered {
	seenNames := map[string]bool{}
	seenCommands := map[string]bool{}
	var out []Discovered

	for _, p := range found {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		cmd := strings.ToLower(strings.TrimSpace(p.Command))
		if name == "" || cmd == "" || seenNames[name] || seenCommands[cmd] {
			continue
		}
		if matchesSkipPattern(name) || matchesSkipPattern(cmd) {
			continue
		}
		seenNames[name] = true
		seenCommands[cmd] = true
		out = append(out, p)
	}
	return out
}

func matchesSkipPattern(s string) bool {
	for _, pattern := range skipPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
