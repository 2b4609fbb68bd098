package approval

import (
	"context"
	"path/filepath"
	"testing"
)

func TestApproveRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := NewStore(ctx, Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if s.IsApproved("Bash", "ls -la", MatchExact) {
		t.Fatalf("approved before any grant")
	}
	if err := s.Approve(ctx, "Bash", "ls -la", ScopeAlways); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !s.IsApproved("Bash", "ls -la", MatchExact) {
		t.Fatalf("grant not visible after Approve")
	}
	if s.IsApproved("Bash", "ls -la /etc", MatchExact) {
		t.Fatalf("exact matching must not cover a different command")
	}
}

func TestClearSessionKeepsPermanent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := NewStore(ctx, Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Approve(ctx, "Bash", "git status", ScopeSession); err != nil {
		t.Fatalf("Approve session: %v", err)
	}
	if err := s.Approve(ctx, "Bash", "git log", ScopeAlways); err != nil {
		t.Fatalf("Approve always: %v", err)
	}

	s.ClearSession()

	if s.IsApproved("Bash", "git status", MatchExact) {
		t.Fatalf("session grant survived ClearSession")
	}
	if !s.IsApproved("Bash", "git log", MatchExact) {
		t.Fatalf("permanent grant lost on ClearSession")
	}
}

func TestPrefixMatchForFilePaths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := NewStore(ctx, Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Approve(ctx, "Write", "/vault/notes/", ScopeAlways); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if !s.IsApproved("Write", "/vault/notes/daily/today.md", MatchPrefix) {
		t.Fatalf("prefix grant must cover descendants")
	}
	if s.IsApproved("Write", "/vault/other/today.md", MatchPrefix) {
		t.Fatalf("prefix grant must not cover siblings")
	}
	if s.IsApproved("Read", "/vault/notes/daily/today.md", MatchPrefix) {
		t.Fatalf("grants are per tool")
	}
}

func TestSQLitePersistence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "grants.db")

	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	s, err := NewStore(ctx, Options{Persist: db})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Approve(ctx, "Bash", "make build", ScopeAlways); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the permanent grant must load into a fresh store.
	db2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	s2, err := NewStore(ctx, Options{Persist: db2})
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	if !s2.IsApproved("Bash", "make build", MatchExact) {
		t.Fatalf("persisted grant not loaded")
	}

	removed, err := db2.Remove(ctx, "Bash", "make build")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d, want 1", removed)
	}
}
