// Package auth manages API tokens and role-based authorization.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/common/sqlite"
)

// ErrInvalidToken is returned when a presented token is unknown, revoked
// or expired.
var ErrInvalidToken = errors.New("invalid token")

// TokenPrefix marks ADT-issued bearer tokens.
const TokenPrefix = "adt_"

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    token_hash TEXT NOT NULL,
    role TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    last_used_at TIMESTAMP,
    revoked INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(token_hash);
`

// Manager stores tokens and answers authentication and permission checks.
type Manager struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open opens (creating if needed) the auth database at dbPath.
func Open(dbPath string, log *logger.Logger) (*Manager, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open auth db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init auth schema: %w", err)
	}

	return &Manager{db: db, log: log}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

func randomURLSafe(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// CreateToken mints a new token. The plaintext value is returned exactly
// once; only its hash is stored.
func (m *Manager) CreateToken(name string, role Role, expiresIn time.Duration, createdBy string) (string, *TokenInfo, error) {
	if !role.Valid() {
		return "", nil, fmt.Errorf("unknown role %q", role)
	}

	plain := TokenPrefix + randomURLSafe(32)
	now := time.Now().UTC()

	info := &TokenInfo{
		ID:        randomHex(8),
		Name:      name,
		Role:      role,
		CreatedAt: now,
	}
	var expiresAt any
	if expiresIn > 0 {
		t := now.Add(expiresIn)
		info.ExpiresAt = &t
		expiresAt = t.Format(time.RFC3339Nano)
	}

	_, err := m.db.Exec(`
        INSERT INTO tokens (id, name, token_hash, role, created_at, expires_at, created_by)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, name, hashToken(plain), string(role),
		now.Format(time.RFC3339Nano), expiresAt, createdBy)
	if err != nil {
		return "", nil, fmt.Errorf("insert token: %w", err)
	}

	return plain, info, nil
}

// ValidateToken checks a presented bearer token and returns its info.
// The "Bearer " prefix is accepted and stripped. Last-use time is updated
// on success.
func (m *Manager) ValidateToken(token string) (*TokenInfo, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return nil, ErrInvalidToken
	}

	var row tokenRow
	err := m.db.Get(&row, "SELECT * FROM tokens WHERE token_hash = ?", hashToken(token))
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	if row.Revoked != 0 {
		return nil, ErrInvalidToken
	}

	info, err := row.toInfo()
	if err != nil {
		return nil, err
	}
	if info.ExpiresAt != nil && info.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidToken
	}

	now := time.Now().UTC()
	if _, err := m.db.Exec("UPDATE tokens SET last_used_at = ? WHERE id = ?",
		now.Format(time.RFC3339Nano), info.ID); err == nil {
		info.LastUsedAt = &now
	}

	return info, nil
}

// ListTokens returns all tokens, newest first, without token values.
func (m *Manager) ListTokens() ([]*TokenInfo, error) {
	var rows []tokenRow
	if err := m.db.Select(&rows, "SELECT * FROM tokens ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	infos := make([]*TokenInfo, 0, len(rows))
	for _, row := range rows {
		info, err := row.toInfo()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RevokeToken marks a token revoked. Returns false if the id is unknown.
func (m *Manager) RevokeToken(id string) (bool, error) {
	res, err := m.db.Exec("UPDATE tokens SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteToken permanently removes a token. Returns false if the id is unknown.
func (m *Manager) DeleteToken(id string) (bool, error) {
	res, err := m.db.Exec("DELETE FROM tokens WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasAnyTokens reports whether any unrevoked token exists. Used for
// first-run bootstrap.
func (m *Manager) HasAnyTokens() (bool, error) {
	var n int
	if err := m.db.Get(&n, "SELECT COUNT(*) FROM tokens WHERE revoked = 0"); err != nil {
		return false, fmt.Errorf("count tokens: %w", err)
	}
	return n > 0, nil
}

// BootstrapAdminToken creates the initial admin token when the store is
// empty. Returns ("", nil, nil) when tokens already exist.
func (m *Manager) BootstrapAdminToken() (string, *TokenInfo, error) {
	exists, err := m.HasAnyTokens()
	if err != nil || exists {
		return "", nil, err
	}
	return m.CreateToken("Initial Admin Token", RoleAdmin, 0, "")
}

type tokenRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	TokenHash  string         `db:"token_hash"`
	Role       string         `db:"role"`
	CreatedAt  string         `db:"created_at"`
	ExpiresAt  sql.NullString `db:"expires_at"`
	LastUsedAt sql.NullString `db:"last_used_at"`
	Revoked    int            `db:"revoked"`
	CreatedBy  string         `db:"created_by"`
}

func (r *tokenRow) toInfo() (*TokenInfo, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse token created_at: %w", err)
	}
	info := &TokenInfo{
		ID:        r.ID,
		Name:      r.Name,
		Role:      Role(r.Role),
		CreatedAt: createdAt,
		Revoked:   r.Revoked != 0,
	}
	if r.ExpiresAt.Valid && r.ExpiresAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, r.ExpiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse token expires_at: %w", err)
		}
		info.ExpiresAt = &t
	}
	if r.LastUsedAt.Valid && r.LastUsedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, r.LastUsedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse token last_used_at: %w", err)
		}
		info.LastUsedAt = &t
	}
	return info, nil
}
