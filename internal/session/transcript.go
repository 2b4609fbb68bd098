package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Transcript is a local SQLite-backed record of conversation turns. It feeds
// BuildContextPrompt when a runtime session expires and the conversation has
// to be replayed into a fresh one.
type Transcript struct {
	db *sql.DB
}

func OpenTranscript(path string) (*Transcript, error) {
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
	if err := initTranscriptSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// modernc.org/sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Transcript{db: db}, nil
}

func initTranscriptSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '[]',
	context_files TEXT NOT NULL DEFAULT '[]',
	created_at_unix_ms INTEGER NOT NULL
);
`)
	return err
}

func (t *Transcript) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Append records one turn at the end of the transcript.
func (t *Transcript) Append(ctx context.Context, turn Turn) error {
	if t == nil || t.db == nil {
		return errors.New("transcript not open")
	}
	role := strings.TrimSpace(turn.Role)
	if role != "user" && role != "assistant" {
		return errors.New("invalid turn role")
	}

	calls, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return err
	}
	files, err := json.Marshal(turn.ContextFiles)
	if err != nil {
		return err
	}
	createdAt := turn.CreatedAtUnixMs
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	_, err = t.db.ExecContext(ctx, `
INSERT INTO turns (role, text, tool_calls, context_files, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
`, role, turn.Text, string(calls), string(files), createdAt)
	return err
}

// Recent returns the latest limit turns in conversation order (oldest first).
func (t *Transcript) Recent(ctx context.Context, limit int) ([]Turn, error) {
	if t == nil || t.db == nil {
		return nil, errors.New("transcript not open")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := t.db.QueryContext(ctx, `
SELECT role, text, tool_calls, context_files, created_at_unix_ms
FROM turns
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		var calls, files string
		if err := rows.Scan(&turn.Role, &turn.Text, &calls, &files, &turn.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(calls), &turn.ToolCalls); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &turn.ContextFiles); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to conversation order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Clear drops every recorded turn (conversation reset).
func (t *Transcript) Clear(ctx context.Context) error {
	if t == nil || t.db == nil {
		return errors.New("transcript not open")
	}
	_, err := t.db.ExecContext(ctx, `DELETE FROM turns`)
	return err
}
