package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	e, err := NewExecutor(root, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e, root
}

func run(t *testing.T, e *Executor, tool string, input map[string]any) (string, bool) {
	t.Helper()
	content, isErr, err := e.Execute(context.Background(), tool, input)
	if err != nil {
		t.Fatalf("Execute(%s): %v", tool, err)
	}
	return content, isErr
}

func TestWriteReadEdit(t *testing.T) {
	t.Parallel()

	e, root := newExecutor(t)

	if _, isErr := run(t, e, "Write", map[string]any{"file_path": "notes/a.md", "content": "hello world\n"}); isErr {
		t.Fatalf("Write failed")
	}
	if _, err := os.Stat(filepath.Join(root, "notes", "a.md")); err != nil {
		t.Fatalf("relative path not vault-relative: %v", err)
	}

	got, isErr := run(t, e, "Read", map[string]any{"file_path": "notes/a.md"})
	if isErr || got != "hello world\n" {
		t.Fatalf("Read=%q isErr=%v", got, isErr)
	}

	if _, isErr := run(t, e, "Edit", map[string]any{"file_path": "notes/a.md", "old_string": "world", "new_string": "vault"}); isErr {
		t.Fatalf("Edit failed")
	}
	got, _ = run(t, e, "Read", map[string]any{"file_path": "notes/a.md"})
	if got != "hello vault\n" {
		t.Fatalf("after edit: %q", got)
	}

	if msg, isErr := run(t, e, "Edit", map[string]any{"file_path": "notes/a.md", "old_string": "nope", "new_string": "x"}); !isErr || !strings.Contains(msg, "not found") {
		t.Fatalf("missing old_string: %q isErr=%v", msg, isErr)
	}
}

func TestEditAmbiguousNeedsReplaceAll(t *testing.T) {
	t.Parallel()

	e, _ := newExecutor(t)
	run(t, e, "Write", map[string]any{"file_path": "a.txt", "content": "x x x"})

	if msg, isErr := run(t, e, "Edit", map[string]any{"file_path": "a.txt", "old_string": "x", "new_string": "y"}); !isErr || !strings.Contains(msg, "replace_all") {
		t.Fatalf("ambiguous edit: %q isErr=%v", msg, isErr)
	}
	if _, isErr := run(t, e, "Edit", map[string]any{"file_path": "a.txt", "old_string": "x", "new_string": "y", "replace_all": true}); isErr {
		t.Fatalf("replace_all failed")
	}
	got, _ := run(t, e, "Read", map[string]any{"file_path": "a.txt"})
	if got != "y y y" {
		t.Fatalf("after replace_all: %q", got)
	}
}

func TestListGlobGrep(t *testing.T) {
	t.Parallel()

	e, _ := newExecutor(t)
	run(t, e, "Write", map[string]any{"file_path": "notes/a.md", "content": "alpha\nbeta\n"})
	run(t, e, "Write", map[string]any{"file_path": "notes/b.md", "content": "gamma\n"})
	run(t, e, "Write", map[string]any{"file_path": "notes/c.txt", "content": "alpha again\n"})

	got, isErr := run(t, e, "LS", map[string]any{"path": "notes"})
	if isErr || got != "a.md\nb.md\nc.txt" {
		t.Fatalf("LS=%q isErr=%v", got, isErr)
	}

	got, isErr = run(t, e, "Glob", map[string]any{"pattern": "notes/*.md"})
	if isErr || got != "notes/a.md\nnotes/b.md" {
		t.Fatalf("Glob=%q isErr=%v", got, isErr)
	}

	got, isErr = run(t, e, "Grep", map[string]any{"pattern": "^alpha", "path": "notes"})
	if isErr {
		t.Fatalf("Grep failed: %q", got)
	}
	if !strings.Contains(got, "a.md:1: alpha") || !strings.Contains(got, "c.txt:1: alpha again") {
		t.Fatalf("Grep=%q", got)
	}
	if strings.Contains(got, "b.md") {
		t.Fatalf("Grep matched wrong file: %q", got)
	}

	if msg, isErr := run(t, e, "Grep", map[string]any{"pattern": "[bad"}); !isErr || !strings.Contains(msg, "Invalid pattern") {
		t.Fatalf("bad pattern: %q isErr=%v", msg, isErr)
	}
}

func TestBash(t *testing.T) {
	t.Parallel()

	e, root := newExecutor(t)

	got, isErr := run(t, e, "Bash", map[string]any{"command": "pwd"})
	if isErr {
		t.Fatalf("Bash failed: %q", got)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil && got != resolved && got != root {
		t.Fatalf("cwd=%q, want vault root %q", got, root)
	}

	got, isErr = run(t, e, "Bash", map[string]any{"command": "exit 3"})
	if !isErr || !strings.Contains(got, "Exit code 3") {
		t.Fatalf("Bash exit: %q isErr=%v", got, isErr)
	}
}

func TestUnknownTool(t *testing.T) {
	t.Parallel()

	e, _ := newExecutor(t)
	msg, isErr := run(t, e, "Teleport", nil)
	if !isErr || !strings.Contains(msg, "Unknown tool") {
		t.Fatalf("msg=%q isErr=%v", msg, isErr)
	}
}

func TestDefinitionsCoverMediatedTools(t *testing.T) {
	t.Parallel()

	want := map[string]bool{"Read": false, "Write": false, "Edit": false, "LS": false, "Glob": false, "Grep": false, "Bash": false}
	for _, def := range Definitions() {
		if _, ok := want[def.Name]; ok {
			want[def.Name] = true
		}
		if def.InputSchema["properties"] == nil {
			t.Fatalf("tool %s missing schema properties", def.Name)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("tool %s missing from definitions", name)
		}
	}
}
