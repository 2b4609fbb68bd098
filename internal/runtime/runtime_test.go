package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/floegence/vaultgate/internal/session"
	"github.com/floegence/vaultgate/internal/stream"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, string, map[string]any) (string, bool, error) {
	return "", false, nil
}

func TestNewSessionIDUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := newSessionID()
		if id == "" {
			t.Fatalf("empty session id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestToStringSlice(t *testing.T) {
	t.Parallel()

	got := toStringSlice([]any{"a", 1, "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
	if toStringSlice(nil) != nil {
		t.Fatalf("nil input must yield nil")
	}
	if v := toStringSlice([]string{"x"}); len(v) != 1 || v[0] != "x" {
		t.Fatalf("got %v", v)
	}
}

func TestAnthropicResumeUnknownSessionIsExpiry(t *testing.T) {
	t.Parallel()

	r, err := NewAnthropic(AnthropicOptions{Model: "claude-test", Executor: nopExecutor{}})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	err = r.RunQuery(context.Background(), Query{Prompt: "hi", Resume: "sess-gone"}, func(stream.RawEvent) {})
	if err == nil {
		t.Fatalf("resume of unknown session must fail")
	}
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
	if !session.IsExpiryError(err) {
		t.Fatalf("resume failure %v must read as a session expiry", err)
	}
}

func TestOpenAIResumeUnknownSessionIsExpiry(t *testing.T) {
	t.Parallel()

	r, err := NewOpenAI(OpenAIOptions{Model: "gpt-test", Executor: nopExecutor{}})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	err = r.RunQuery(context.Background(), Query{Prompt: "hi", Resume: "sess-gone"}, func(stream.RawEvent) {})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
	if !session.IsExpiryError(err) {
		t.Fatalf("resume failure %v must read as a session expiry", err)
	}
}

func TestAssistantEventDoesNotRepeatStreamedText(t *testing.T) {
	t.Parallel()

	const body = `{"id":"msg_1","type":"message","role":"assistant","content":[` +
		`{"type":"text","text":"hello"},` +
		`{"type":"thinking","thinking":"mull"},` +
		`{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"a.md"}}]}`
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}

	// Emission order of one streamed turn: deltas first, then the accumulated
	// assistant message. Concatenating the consumer's text chunks must yield the
	// message exactly once.
	events := []stream.RawEvent{
		{Type: stream.RawEventStream, Event: &stream.RawStreamEvent{Type: stream.StreamBlockStart, Index: 0, ContentBlock: &stream.ContentBlock{Type: stream.BlockText}}},
		{Type: stream.RawEventStream, Event: &stream.RawStreamEvent{Type: stream.StreamBlockDelta, Index: 0, Delta: &stream.RawDelta{Type: "text_delta", Text: "hel"}}},
		{Type: stream.RawEventStream, Event: &stream.RawStreamEvent{Type: stream.StreamBlockDelta, Index: 0, Delta: &stream.RawDelta{Type: "text_delta", Text: "lo"}}},
		{Type: stream.RawEventStream, Event: &stream.RawStreamEvent{Type: stream.StreamBlockStop, Index: 0}},
		assistantRawEvent(msg, "sess-a"),
	}

	tr := stream.NewTransformer(nil)
	var text strings.Builder
	var thinking, toolUses int
	for _, ev := range events {
		for _, c := range tr.Transform(ev) {
			switch c.Kind {
			case stream.ChunkText:
				text.WriteString(c.Text)
			case stream.ChunkThinking:
				thinking++
			case stream.ChunkToolUse:
				toolUses++
			}
		}
	}
	if got := text.String(); got != "hello" {
		t.Fatalf("consumer text=%q, want %q", got, "hello")
	}
	if thinking != 0 {
		t.Fatalf("assistant event replayed thinking %d times, want 0", thinking)
	}
	if toolUses != 1 {
		t.Fatalf("tool_use chunks=%d, want 1", toolUses)
	}
}

func TestDecideDefaultsToAllow(t *testing.T) {
	t.Parallel()

	d := decide(context.Background(), Query{}, "Bash", nil)
	if !d.Allow {
		t.Fatalf("nil hook must allow")
	}
}
