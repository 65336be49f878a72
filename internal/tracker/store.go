package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nexus-trading/poolwatch/internal/solana"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store keeps the per-tenant history of evaluated tokens so returning
// names and creators can be recognised.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// Token is one recorded evaluation.
type Token struct {
	ID      int64         `json:"id"`
	Tenant  int64         `json:"tenant"`
	Time    time.Time     `json:"time"`
	Mint    solana.Pubkey `json:"mint"`
	Name    string        `json:"name"`
	Creator string        `json:"creator"`
}

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	time    INTEGER NOT NULL,
	name    TEXT NOT NULL,
	mint    TEXT NOT NULL,
	creator TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_user_name ON tokens(user_id, name);
CREATE INDEX IF NOT EXISTS idx_tokens_user_creator ON tokens(user_id, creator);
`

// Open opens (or creates) the store at path. A path starting with "file:"
// or equal to ":memory:" is passed to the driver unchanged.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("tracker: create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tracker: open: %w", err)
	}
	// One connection: SQLite serialises writers, and ":memory:" lives per connection.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tracker: ping: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tracker: migrate: %w", err)
	}
	return &Store{conn: conn, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Record stores an evaluated token for tenant.
func (s *Store) Record(ctx context.Context, tenant int64, mint solana.Pubkey, name, creator string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO tokens (user_id, time, name, mint, creator) VALUES (?, ?, ?, ?, ?)`,
		tenant, s.now().UnixMilli(), name, string(mint), creator)
	if err != nil {
		return fmt.Errorf("tracker: insert: %w", err)
	}
	return nil
}

// Seen reports whether tenant already recorded a token with the same name
// or the same creator.
func (s *Store) Seen(ctx context.Context, tenant int64, name, creator string) (nameSeen, creatorSeen bool, err error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT name, creator FROM tokens WHERE (name = ? OR creator = ?) AND user_id = ?`,
		name, creator, tenant)
	if err != nil {
		return false, false, fmt.Errorf("tracker: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n, c string
		if err := rows.Scan(&n, &c); err != nil {
			return false, false, fmt.Errorf("tracker: scan: %w", err)
		}
		if n == name {
			nameSeen = true
		}
		if c == creator {
			creatorSeen = true
		}
	}
	return nameSeen, creatorSeen, rows.Err()
}

// Recent returns up to limit of tenant's most recent tokens, newest first.
func (s *Store) Recent(ctx context.Context, tenant int64, limit int) ([]Token, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, user_id, time, mint, name, creator FROM tokens WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("tracker: query: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var tok Token
		var ms int64
		var mint string
		if err := rows.Scan(&tok.ID, &tok.Tenant, &ms, &mint, &tok.Name, &tok.Creator); err != nil {
			return nil, fmt.Errorf("tracker: scan: %w", err)
		}
		tok.Time = time.UnixMilli(ms)
		tok.Mint = solana.Pubkey(mint)
		out = append(out, tok)
	}
	return out, rows.Err()
}
