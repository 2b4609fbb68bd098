package auditlog

import "testing"

func TestAppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Append(Entry{Tool: "Bash", Decision: "blocked", Rule: "blocklist", Pattern: `rm\s+-rf`})
	s.Append(Entry{Tool: "Write", Decision: "approved", Rule: "session_grant"})

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len=%d, want 2", len(entries))
	}
	if entries[0].Tool != "Write" || entries[1].Tool != "Bash" {
		t.Fatalf("order wrong: %+v", entries)
	}
	if entries[1].Pattern != `rm\s+-rf` {
		t.Fatalf("pattern lost: %+v", entries[1])
	}
}

func TestRotation(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir(), MaxBytes: 128, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 50; i++ {
		s.Append(Entry{Tool: "Bash", Decision: "approved", Rule: "trusted_mode", Command: "echo padding padding padding"})
	}

	entries, err := s.List(1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no entries after rotation")
	}
	if len(entries) >= 50 {
		t.Fatalf("rotation kept everything (%d entries), backups not pruned", len(entries))
	}
}
