// Package runtime drives the model-side agent loop: it sends a query, streams
// model output as raw events, and routes every proposed tool call through the
// caller's approval hook before execution.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/floegence/vaultgate/internal/stream"
)

// ErrSessionNotFound is returned when a query asks to resume a session the
// runtime no longer holds. Sessions are process-local, so a restart invalidates
// every previously issued id.
var ErrSessionNotFound = errors.New("session not found")

// ToolDecision is the approval hook's answer for one proposed tool call.
type ToolDecision struct {
	// Allow lets the call execute. When false, Message is fed back to the model
	// as an error tool result.
	Allow   bool
	Message string
	// Interrupt aborts the whole turn after the refusal is reported.
	Interrupt bool
}

// Query is one turn request from the agent pipeline.
type Query struct {
	Prompt string

	// Resume names the session to continue; empty starts a fresh session.
	Resume string

	// PermissionMode is carried for runtimes that enforce modes themselves;
	// the native runtimes rely on CanUseTool instead.
	PermissionMode string

	// MaxThinkingTokens enables extended thinking when the provider supports it.
	MaxThinkingTokens int

	// CanUseTool is consulted before every tool execution. A nil hook allows
	// everything (callers are expected to always set it).
	CanUseTool func(ctx context.Context, tool string, input map[string]any) ToolDecision
}

// Runtime runs one query to completion, reporting progress as raw events.
// The event callback is invoked from the calling goroutine.
type Runtime interface {
	RunQuery(ctx context.Context, q Query, onEvent func(stream.RawEvent)) error
}

// ToolExecutor performs an approved tool call and returns its textual result.
// A non-nil err means the executor itself failed; isError marks a result the
// tool produced but that represents a failure (nonzero exit, missing file).
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, input map[string]any) (content string, isError bool, err error)
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema is a JSON-schema object ("properties", "required").
	InputSchema map[string]any
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "sess-unavailable"
	}
	return "sess-" + hex.EncodeToString(b)
}

func decide(ctx context.Context, q Query, tool string, input map[string]any) ToolDecision {
	if q.CanUseTool == nil {
		return ToolDecision{Allow: true}
	}
	return q.CanUseTool(ctx, tool, input)
}
