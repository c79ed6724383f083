package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/adt-sh/adt/internal/common/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL,
    data TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp);
`

// Journal persists every published event to sqlite. The in-memory history
// ring serves live clients; the journal survives restarts.
type Journal struct {
	db  *sqlx.DB
	sub Subscription
}

// OpenJournal opens the event journal database and attaches it to the bus.
func OpenJournal(dbPath string, b EventBus) (*Journal, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{db: db}
	sub, err := b.Subscribe(">", j.record)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("subscribe journal: %w", err)
	}
	j.sub = sub
	return j, nil
}

func (j *Journal) record(ctx context.Context, e *Event) error {
	var data any
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = string(raw)
	}
	_, err := j.db.Exec(`
        INSERT OR IGNORE INTO events (id, type, project, source, timestamp, data)
        VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Project, e.Source, e.Timestamp.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit journaled events, newest first.
func (j *Journal) Recent(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Queryx(`
        SELECT id, type, project, source, timestamp, data
        FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var id, typ, project, source, ts string
		var data *string
		if err := rows.Scan(&id, &typ, &project, &source, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse journal timestamp: %w", err)
		}
		e := &Event{ID: id, Type: typ, Project: project, Source: source, Timestamp: parsed}
		if data != nil && *data != "" {
			_ = json.Unmarshal([]byte(*data), &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close detaches from the bus and closes the database.
func (j *Journal) Close() error {
	if j.sub != nil {
		_ = j.sub.Unsubscribe()
	}
	return j.db.Close()
}
