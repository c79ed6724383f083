// Package audit provides the append-only, tamper-evident audit log.
//
// Every entry is chained to its predecessor with an HMAC-SHA256 over the
// entry's identifying fields and the previous entry's hash, keyed by a
// per-installation secret. VerifyIntegrity walks the chain and reports the
// first break.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/common/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TIMESTAMP NOT NULL,
    actor_type TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    actor_ip TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL DEFAULT '',
    resource_id TEXT NOT NULL DEFAULT '',
    request_id TEXT NOT NULL DEFAULT '',
    channel TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'success',
    error TEXT NOT NULL DEFAULT '',
    metadata TEXT,
    prev_hash TEXT NOT NULL DEFAULT '',
    entry_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_type, actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_log(resource_type, resource_id);
`

// Log is the append-only audit logger.
type Log struct {
	mu       sync.Mutex
	db       *sqlx.DB
	hmacKey  []byte
	lastHash string
	log      *logger.Logger
}

// Open opens (creating if needed) the audit database at dbPath. The HMAC
// key is read from, or generated into, a .audit_key file next to it.
func Open(dbPath string, log *logger.Logger) (*Log, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(filepath.Dir(dbPath), ".audit_key"))
	if err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{db: db, hmacKey: key, log: log}

	var last string
	err = db.Get(&last, "SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1")
	if err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("read audit chain tip: %w", err)
	}
	l.lastHash = last

	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func loadOrCreateKey(path string) ([]byte, error) {
	if key, err := os.ReadFile(path); err == nil && len(key) > 0 {
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate audit key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write audit key: %w", err)
	}
	return key, nil
}

// computeHash signs the entry's identifying fields together with the
// previous hash. Truncated to 32 hex chars, matching the stored format.
func (l *Log) computeHash(e *Entry) string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s",
		e.Timestamp.Format(time.RFC3339Nano), e.ActorType, e.ActorID, e.Action, e.PrevHash)
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Record appends an event to the log and returns the stored entry.
func (l *Log) Record(ev Event) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Entry{
		Timestamp:    time.Now().UTC(),
		ActorType:    ev.ActorType,
		ActorID:      ev.ActorID,
		ActorIP:      ev.ActorIP,
		Action:       string(ev.Action),
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		RequestID:    ev.RequestID,
		Channel:      ev.Channel,
		Status:       ev.Status,
		Error:        ev.Error,
		Metadata:     ev.Metadata,
		PrevHash:     l.lastHash,
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	e.EntryHash = l.computeHash(e)

	var metaJSON any
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal audit metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	res, err := l.db.Exec(`
        INSERT INTO audit_log (
            timestamp, actor_type, actor_id, actor_ip, action,
            resource_type, resource_id, request_id, channel,
            status, error, metadata, prev_hash, entry_hash
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.Format(time.RFC3339Nano), e.ActorType, e.ActorID, e.ActorIP, e.Action,
		e.ResourceType, e.ResourceID, e.RequestID, e.Channel,
		e.Status, e.Error, metaJSON, e.PrevHash, e.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	e.ID, _ = res.LastInsertId()
	l.lastHash = e.EntryHash
	return e, nil
}

// MustRecord logs an event, swallowing errors. Audit failures must never
// fail the operation being audited; they are logged instead.
func (l *Log) MustRecord(ev Event) {
	if _, err := l.Record(ev); err != nil && l.log != nil {
		l.log.WithError(err).Error("audit write failed", zap.String("action", string(ev.Action)))
	}
}

// Query returns entries matching the filter, newest first.
func (l *Log) Query(f Filter) ([]*Entry, error) {
	var conds []string
	var params []any

	add := func(cond string, val any) {
		conds = append(conds, cond)
		params = append(params, val)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.ActorType != "" {
		add("actor_type = ?", f.ActorType)
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		add("timestamp <= ?", f.Until.UTC().Format(time.RFC3339Nano))
	}

	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	params = append(params, limit, f.Offset)

	rows, err := l.db.Queryx(fmt.Sprintf(`
        SELECT * FROM audit_log
        WHERE %s
        ORDER BY timestamp DESC, id DESC
        LIMIT ? OFFSET ?`, where), params...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Count returns the number of entries matching action/since filters.
func (l *Log) Count(action string, since time.Time) (int, error) {
	var conds []string
	var params []any
	if action != "" {
		conds = append(conds, "action = ?")
		params = append(params, action)
	}
	if !since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		params = append(params, since.UTC().Format(time.RFC3339Nano))
	}
	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var n int
	err := l.db.Get(&n, fmt.Sprintf("SELECT COUNT(*) FROM audit_log WHERE %s", where), params...)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// VerifyIntegrity walks the full chain in insertion order and verifies
// both linkage and per-entry HMACs. Returns false with a description of
// the first broken entry.
func (l *Log) VerifyIntegrity() (bool, string, error) {
	rows, err := l.db.Queryx("SELECT * FROM audit_log ORDER BY id ASC")
	if err != nil {
		return false, "", fmt.Errorf("read audit log: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return false, "", err
	}

	prevHash := ""
	for _, e := range entries {
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev_hash %q, got %q", e.ID, prevHash, e.PrevHash), nil
		}
		if expected := l.computeHash(e); e.EntryHash != expected {
			return false, fmt.Sprintf("invalid hash at entry %d: expected %q, got %q", e.ID, expected, e.EntryHash), nil
		}
		prevHash = e.EntryHash
	}
	return true, "", nil
}

type entryRow struct {
	ID           int64          `db:"id"`
	Timestamp    string         `db:"timestamp"`
	ActorType    string         `db:"actor_type"`
	ActorID      string         `db:"actor_id"`
	ActorIP      string         `db:"actor_ip"`
	Action       string         `db:"action"`
	ResourceType string         `db:"resource_type"`
	ResourceID   string         `db:"resource_id"`
	RequestID    string         `db:"request_id"`
	Channel      string         `db:"channel"`
	Status       string         `db:"status"`
	Error        string         `db:"error"`
	Metadata     sql.NullString `db:"metadata"`
	PrevHash     string         `db:"prev_hash"`
	EntryHash    string         `db:"entry_hash"`
}

func scanEntries(rows *sqlx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var r entryRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		e := &Entry{
			ID:           r.ID,
			Timestamp:    ts,
			ActorType:    r.ActorType,
			ActorID:      r.ActorID,
			ActorIP:      r.ActorIP,
			Action:       r.Action,
			ResourceType: r.ResourceType,
			ResourceID:   r.ResourceID,
			RequestID:    r.RequestID,
			Channel:      r.Channel,
			Status:       r.Status,
			Error:        r.Error,
			PrevHash:     r.PrevHash,
			EntryHash:    r.EntryHash,
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			_ = json.Unmarshal([]byte(r.Metadata.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
