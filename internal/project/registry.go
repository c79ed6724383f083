// Package project provides the project registry lookup.
//
// Projects are owned by an external registry; the core reads them from
// the main database, seeded from an optional projects.yaml in the ADT
// home so standalone installs work without the external tool.
package project

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/adt-sh/adt/internal/common/sqlite"
)

// ErrNotFound is returned when no project has the given name.
var ErrNotFound = errors.New("project not found")

// Project is a registered local source tree.
type Project struct {
	Name        string    `json:"name" yaml:"name"`
	Path        string    `json:"path" yaml:"path"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    name TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    tags TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Registry reads and maintains the project table.
type Registry struct {
	db *sqlx.DB
}

// Open opens the registry database and imports projects.yaml from
// seedDir when present. Seeding is additive: known projects get their
// path refreshed, unknown ones are inserted, nothing is removed.
func Open(dbPath, seedDir string) (*Registry, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open project registry: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}

	r := &Registry{db: db}
	if seedDir != "" {
		if err := r.seed(filepath.Join(seedDir, "projects.yaml")); err != nil {
			db.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) seed(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read projects.yaml: %w", err)
	}

	var doc struct {
		Projects []Project `yaml:"projects"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse projects.yaml: %w", err)
	}

	for _, p := range doc.Projects {
		if p.Name == "" || p.Path == "" {
			continue
		}
		if err := r.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// Add inserts or refreshes a project.
func (r *Registry) Add(p Project) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var tags any
	if len(p.Tags) > 0 {
		raw, err := json.Marshal(p.Tags)
		if err != nil {
			return fmt.Errorf("marshal project tags: %w", err)
		}
		tags = string(raw)
	}
	_, err := r.db.Exec(`
        INSERT INTO projects (name, path, description, tags, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            path = excluded.path,
            description = excluded.description,
            tags = excluded.tags,
            updated_at = excluded.updated_at`,
		p.Name, p.Path, p.Description, tags, now, now)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// Remove deletes a project. Returns false if the name is unknown.
func (r *Registry) Remove(name string) (bool, error) {
	res, err := r.db.Exec("DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("remove project: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns a project by name.
func (r *Registry) Get(name string) (*Project, error) {
	var row projectRow
	err := r.db.Get(&row, "SELECT * FROM projects WHERE name = ?", name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return row.toProject()
}

// List returns all projects sorted by name.
func (r *Registry) List() ([]*Project, error) {
	var rows []projectRow
	if err := r.db.Select(&rows, "SELECT * FROM projects ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]*Project, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toProject()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type projectRow struct {
	Name        string         `db:"name"`
	Path        string         `db:"path"`
	Description string         `db:"description"`
	Tags        sql.NullString `db:"tags"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

func (row *projectRow) toProject() (*Project, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse project created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse project updated_at: %w", err)
	}
	p := &Project{
		Name:        row.Name,
		Path:        row.Path,
		Description: row.Description,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if row.Tags.Valid && row.Tags.String != "" {
		_ = json.Unmarshal([]byte(row.Tags.String), &p.Tags)
	}
	return p, nil
}
