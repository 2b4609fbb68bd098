package mediator

import (
	"fmt"
	"strings"

	"github.com/floegence/vaultgate/internal/approval"
	"github.com/floegence/vaultgate/internal/auditlog"
	"github.com/floegence/vaultgate/internal/cmdpolicy"
)

// pathTools operate on filesystem paths and are subject to containment checks.
var pathTools = map[string]struct{}{
	"Read":         {},
	"Write":        {},
	"Edit":         {},
	"Glob":         {},
	"Grep":         {},
	"LS":           {},
	"NotebookEdit": {},
	"Bash":         {},
}

// editTools hold speculative edit state that must be rolled back on rejection.
var editTools = map[string]struct{}{
	"Write":        {},
	"Edit":         {},
	"NotebookEdit": {},
}

func isPathTool(tool string) bool {
	_, ok := pathTools[tool]
	return ok
}

func isEditTool(tool string) bool {
	_, ok := editTools[tool]
	return ok
}

// checkContainment applies the sandbox policy to every path operand of the call.
//
// Write-intent operands may land in the vault or in an export root. Read-intent
// (and ambiguous) operands must land in the vault: an export root satisfies
// writes only, reading back out of it is a violation.
func (m *Mediator) checkContainment(tool string, input map[string]any, command string) (Decision, bool) {
	for _, tok := range pathOperands(tool, input, command) {
		if tok.Path == "" {
			continue
		}
		switch tok.Intent {
		case cmdpolicy.IntentWrite:
			if m.sandbox.WithinVault(tok.Path) || m.sandbox.WithinExport(tok.Path) {
				continue
			}
			m.record(auditlog.Entry{Tool: tool, Decision: "blocked", Rule: "outside_vault", Paths: []string{tok.Path}, Command: truncate(command, 200)})
			return Decision{
				Outcome: OutcomeBlocked,
				Message: fmt.Sprintf("Path %q is outside the vault and not under any export folder.", tok.Path),
			}, true
		default:
			if m.sandbox.WithinVault(tok.Path) {
				continue
			}
			if m.sandbox.WithinExport(tok.Path) {
				m.record(auditlog.Entry{Tool: tool, Decision: "blocked", Rule: "write_only", Paths: []string{tok.Path}, Command: truncate(command, 200)})
				return Decision{
					Outcome: OutcomeBlocked,
					Message: fmt.Sprintf("Path %q is in a write-only export folder; reading from export destinations is not allowed.", tok.Path),
				}, true
			}
			m.record(auditlog.Entry{Tool: tool, Decision: "blocked", Rule: "outside_vault", Paths: []string{tok.Path}, Command: truncate(command, 200)})
			return Decision{
				Outcome: OutcomeBlocked,
				Message: fmt.Sprintf("Path %q is outside the vault.", tok.Path),
			}, true
		}
	}
	return Decision{}, false
}

// pathOperands extracts the path operands of a call with their intents.
func pathOperands(tool string, input map[string]any, command string) []cmdpolicy.PathToken {
	switch tool {
	case "Bash":
		return cmdpolicy.ExtractPaths(command)
	case "Read":
		return singleOperand(stringArg(input, "file_path"), cmdpolicy.IntentRead)
	case "Write", "Edit":
		return singleOperand(stringArg(input, "file_path"), cmdpolicy.IntentWrite)
	case "NotebookEdit":
		return singleOperand(stringArg(input, "notebook_path"), cmdpolicy.IntentWrite)
	case "LS", "Glob", "Grep":
		// path is optional on search tools; absent means vault root.
		return singleOperand(stringArg(input, "path"), cmdpolicy.IntentRead)
	default:
		return nil
	}
}

func singleOperand(path string, intent cmdpolicy.Intent) []cmdpolicy.PathToken {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return []cmdpolicy.PathToken{{Raw: path, Path: path, Intent: intent}}
}

// approvalPattern computes the canonical approval pattern for a call and how a
// stored grant should be compared against it: exact for shell commands and
// search patterns, prefix for file paths.
func approvalPattern(tool string, input map[string]any) (string, approval.MatchKind) {
	switch tool {
	case "Bash":
		return stringArg(input, "command"), approval.MatchExact
	case "Read", "Write", "Edit":
		return stringArg(input, "file_path"), approval.MatchPrefix
	case "NotebookEdit":
		return stringArg(input, "notebook_path"), approval.MatchPrefix
	case "LS":
		return stringArg(input, "path"), approval.MatchPrefix
	case "Glob", "Grep":
		return stringArg(input, "pattern"), approval.MatchExact
	default:
		return "", approval.MatchExact
	}
}

func stringArg(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

var sensitiveArgKeys = []string{"token", "secret", "password", "key", "authorization", "credential"}

// redactArgsForLog keeps logs useful without leaking secrets embedded in tool
// arguments.
func redactArgsForLog(tool string, input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		lower := strings.ToLower(k)
		redacted := false
		for _, needle := range sensitiveArgKeys {
			if strings.Contains(lower, needle) {
				out[k] = "[redacted]"
				redacted = true
				break
			}
		}
		if redacted {
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = truncate(s, 200)
			continue
		}
		out[k] = v
	}
	return out
}
