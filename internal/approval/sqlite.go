package approval

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteGrants is the on-disk store for permanent approval grants.
//
// Grants are append-only from the mediation path; removal happens only through
// the approvals CLI.
type SQLiteGrants struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteGrants, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initGrantsSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteGrants{db: db}, nil
}

func initGrantsSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS approved_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool TEXT NOT NULL,
			pattern TEXT NOT NULL,
			approved_at_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approved_actions_tool ON approved_actions(tool)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteGrants) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteGrants) Append(ctx context.Context, g Grant) error {
	if s == nil || s.db == nil {
		return errors.New("grants store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approved_actions (tool, pattern, approved_at_unix_ms) VALUES (?, ?, ?)`,
		strings.TrimSpace(g.Tool), strings.TrimSpace(g.Pattern), g.ApprovedAtUnixMs,
	)
	return err
}

func (s *SQLiteGrants) List(ctx context.Context) ([]Grant, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("grants store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, pattern, approved_at_unix_ms FROM approved_actions ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g := Grant{Scope: ScopeAlways}
		if err := rows.Scan(&g.Tool, &g.Pattern, &g.ApprovedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Remove deletes every permanent grant matching tool+pattern exactly.
// Returns the number of rows removed.
func (s *SQLiteGrants) Remove(ctx context.Context, tool string, pattern string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("grants store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approved_actions WHERE tool = ? AND pattern = ?`,
		strings.TrimSpace(tool), strings.TrimSpace(pattern))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
