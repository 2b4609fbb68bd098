package session

import (
	"fmt"
	"strings"
)

// defaultResultExcerpt caps how much of a tool result is replayed into a
// rebuilt context prompt.
const defaultResultExcerpt = 200

// ToolCall is the compact record of one mediated tool invocation inside a turn.
type ToolCall struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// Turn is one user or assistant contribution to the conversation, as recorded
// for context rebuilding.
type Turn struct {
	Role            string     `json:"role"`
	Text            string     `json:"text"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	ContextFiles    []string   `json:"context_files,omitempty"`
	CreatedAtUnixMs int64      `json:"created_at_unix_ms"`
}

// BuildContextPrompt renders the prior turns into a plain-text transcript and
// appends the new request, so a fresh session can pick up where the expired
// one left off. Tool results are replayed as one-line summaries capped at
// resultExcerpt runes.
func BuildContextPrompt(turns []Turn, prompt string, resultExcerpt int) string {
	if resultExcerpt <= 0 {
		resultExcerpt = defaultResultExcerpt
	}

	lines := []string{
		"The previous session could not be resumed. This is the conversation so far:",
		"",
	}
	for _, turn := range turns {
		switch turn.Role {
		case "user":
			lines = append(lines, "User: "+flatten(turn.Text))
		case "assistant":
			if text := flatten(turn.Text); text != "" {
				lines = append(lines, "Assistant: "+text)
			}
		default:
			continue
		}
		for _, call := range turn.ToolCalls {
			line := fmt.Sprintf("[Tool %s status=%s]", call.Name, call.Status)
			if excerpt := excerptResult(call.Result, resultExcerpt); excerpt != "" {
				line += " " + excerpt
			}
			lines = append(lines, line)
		}
		if len(turn.ContextFiles) > 0 {
			lines = append(lines, "Context files: ["+strings.Join(turn.ContextFiles, ", ")+"]")
		}
	}
	lines = append(lines,
		"",
		"Continue the conversation with the following request.",
		"",
		"User: "+strings.TrimSpace(prompt),
	)
	return strings.Join(lines, "\n")
}

// flatten collapses a multi-line text into one transcript line.
func flatten(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(s), " ")
}

func excerptResult(result string, max int) string {
	result = flatten(result)
	if result == "" {
		return ""
	}
	runes := []rune(result)
	if len(runes) <= max {
		return result
	}
	return string(runes[:max]) + " (truncated)"
}
