// Package tools implements the built-in vault tools the runtimes execute after
// mediation approves a call. Policy lives in the mediator; this package only
// resolves relative paths against the vault root and does the work.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/floegence/vaultgate/internal/runtime"
)

const maxResultRunes = 50_000

// Definitions returns the tool surface offered to the model.
func Definitions() []runtime.ToolDef {
	pathProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return []runtime.ToolDef{
		{
			Name:        "Read",
			Description: "Read a file from the vault.",
			InputSchema: map[string]any{
				"properties": map[string]any{"file_path": pathProp("Path of the file to read.")},
				"required":   []string{"file_path"},
			},
		},
		{
			Name:        "Write",
			Description: "Create or overwrite a file.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"file_path": pathProp("Path of the file to write."),
					"content":   map[string]any{"type": "string", "description": "Full file content."},
				},
				"required": []string{"file_path", "content"},
			},
		},
		{
			Name:        "Edit",
			Description: "Replace a string in a file.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"file_path":  pathProp("Path of the file to edit."),
					"old_string": map[string]any{"type": "string", "description": "Exact text to replace."},
					"new_string": map[string]any{"type": "string", "description": "Replacement text."},
					"replace_all": map[string]any{
						"type":        "boolean",
						"description": "Replace every occurrence instead of requiring a unique match.",
					},
				},
				"required": []string{"file_path", "old_string", "new_string"},
			},
		},
		{
			Name:        "LS",
			Description: "List a directory.",
			InputSchema: map[string]any{
				"properties": map[string]any{"path": pathProp("Directory to list; defaults to the vault root.")},
				"required":   []string{},
			},
		},
		{
			Name:        "Glob",
			Description: "Find files by glob pattern.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string", "description": "Glob pattern, e.g. notes/*.md."},
					"path":    pathProp("Directory to search in; defaults to the vault root."),
				},
				"required": []string{"pattern"},
			},
		},
		{
			Name:        "Grep",
			Description: "Search file contents with a regular expression.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string", "description": "Regular expression to search for."},
					"path":    pathProp("Directory to search in; defaults to the vault root."),
				},
				"required": []string{"pattern"},
			},
		},
		{
			Name:        "Bash",
			Description: "Run a shell command in the vault.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Shell command to execute."},
				},
				"required": []string{"command"},
			},
		},
	}
}

// Executor runs tool calls against one vault.
type Executor struct {
	log       *slog.Logger
	vaultRoot string
}

func NewExecutor(vaultRoot string, logger *slog.Logger) (*Executor, error) {
	vaultRoot = strings.TrimSpace(vaultRoot)
	if vaultRoot == "" {
		return nil, errors.New("missing vault root")
	}
	abs, err := filepath.Abs(vaultRoot)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{log: logger, vaultRoot: abs}, nil
}

// Execute dispatches one approved tool call. isError marks tool-level failures
// (missing file, nonzero exit); err is reserved for executor malfunctions.
func (e *Executor) Execute(ctx context.Context, tool string, input map[string]any) (content string, isError bool, err error) {
	if e == nil {
		return "", false, errors.New("nil executor")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch strings.TrimSpace(tool) {
	case "Read":
		content, isError = e.readFile(stringArg(input, "file_path"))
	case "Write":
		content, isError = e.writeFile(stringArg(input, "file_path"), rawStringArg(input, "content"))
	case "Edit":
		content, isError = e.editFile(stringArg(input, "file_path"), rawStringArg(input, "old_string"), rawStringArg(input, "new_string"), boolArg(input, "replace_all"))
	case "LS":
		content, isError = e.listDir(stringArg(input, "path"))
	case "Glob":
		content, isError = e.glob(stringArg(input, "pattern"), stringArg(input, "path"))
	case "Grep":
		content, isError = e.grep(stringArg(input, "pattern"), stringArg(input, "path"))
	case "Bash":
		content, isError = e.bash(ctx, stringArg(input, "command"))
	default:
		return fmt.Sprintf("Unknown tool: %s", tool), true, nil
	}
	return truncateResult(content), isError, nil
}

// resolve maps a tool path operand onto the filesystem: relative paths are
// vault-relative, absolute paths pass through.
func (e *Executor) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return e.vaultRoot
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.vaultRoot, p)
	}
	return filepath.Clean(p)
}

func stringArg(input map[string]any, key string) string {
	return strings.TrimSpace(rawStringArg(input, key))
}

func rawStringArg(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func boolArg(input map[string]any, key string) bool {
	if input == nil {
		return false
	}
	b, _ := input[key].(bool)
	return b
}

func truncateResult(s string) string {
	runes := []rune(s)
	if len(runes) <= maxResultRunes {
		return s
	}
	return string(runes[:maxResultRunes]) + "\n... (truncated)"
}
