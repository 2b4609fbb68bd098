package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/floegence/vaultgate/internal/stream"
)

const (
	anthropicDefaultMaxOutputTokens = 4096
	// anthropicMaxSteps is a safety net against runaway tool loops; turns are
	// normally terminated by the model finishing without tool calls.
	anthropicMaxSteps = 40
)

type AnthropicOptions struct {
	Logger *slog.Logger

	APIKey  string
	BaseURL string
	Model   string

	MaxOutputTokens int
	SystemPrompt    string

	Tools    []ToolDef
	Executor ToolExecutor
}

// AnthropicRuntime runs the agent loop against the Anthropic Messages API.
//
// Sessions are held in memory: a resume id survives across queries within one
// process and becomes unresumable after a restart.
type AnthropicRuntime struct {
	log       *slog.Logger
	client    anthropic.Client
	model     string
	maxOutput int64
	system    string
	tools     []ToolDef
	executor  ToolExecutor

	mu       sync.Mutex
	sessions map[string][]anthropic.MessageParam
}

func NewAnthropic(opts AnthropicOptions) (*AnthropicRuntime, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	if opts.Executor == nil {
		return nil, errors.New("missing tool executor")
	}
	clientOpts := []aoption.RequestOption{}
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		clientOpts = append(clientOpts, aoption.WithAPIKey(key))
	}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		clientOpts = append(clientOpts, aoption.WithBaseURL(baseURL))
	}
	maxOutput := int64(opts.MaxOutputTokens)
	if maxOutput <= 0 {
		maxOutput = anthropicDefaultMaxOutputTokens
	}
	return &AnthropicRuntime{
		log:       opts.Logger,
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxOutput: maxOutput,
		system:    strings.TrimSpace(opts.SystemPrompt),
		tools:     opts.Tools,
		executor:  opts.Executor,
		sessions:  make(map[string][]anthropic.MessageParam),
	}, nil
}

func (r *AnthropicRuntime) RunQuery(ctx context.Context, q Query, onEvent func(stream.RawEvent)) error {
	if r == nil {
		return errors.New("nil runtime")
	}
	prompt := strings.TrimSpace(q.Prompt)
	if prompt == "" {
		return errors.New("empty prompt")
	}
	if onEvent == nil {
		onEvent = func(stream.RawEvent) {}
	}

	sessionID := strings.TrimSpace(q.Resume)
	var messages []anthropic.MessageParam
	if sessionID != "" {
		prior, ok := r.loadSession(sessionID)
		if !ok {
			return fmt.Errorf("resume failed: %w", ErrSessionNotFound)
		}
		messages = prior
	} else {
		sessionID = newSessionID()
	}
	onEvent(stream.RawEvent{Type: stream.RawEventSystem, Subtype: "init", SessionID: sessionID})

	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	defer func() { r.saveSession(sessionID, messages) }()

	for step := 0; step < anthropicMaxSteps; step++ {
		msg, err := r.streamTurn(ctx, q, messages, onEvent)
		if err != nil {
			return err
		}
		messages = append(messages, msg.ToParam())
		onEvent(assistantRawEvent(msg, sessionID))

		calls := toolUseBlocks(msg)
		if len(calls) == 0 {
			onEvent(stream.RawEvent{Type: stream.RawEventResult, Subtype: "success", SessionID: sessionID})
			return nil
		}

		results := make([]anthropic.ContentBlockParamUnion, 0, len(calls))
		interrupted := false
		for _, call := range calls {
			content, isErr, interrupt := r.runToolCall(ctx, q, call)
			results = append(results, anthropic.NewToolResultBlock(call.ID, content, isErr))
			onEvent(stream.RawEvent{
				Type:      stream.RawEventUser,
				SessionID: sessionID,
				Message: &stream.RawMessage{
					Role: "user",
					Content: []stream.ContentBlock{{
						Type:      stream.BlockToolResult,
						ToolUseID: call.ID,
						Content:   content,
						IsError:   isErr,
					}},
				},
			})
			if interrupt {
				interrupted = true
				break
			}
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
		if interrupted {
			onEvent(stream.RawEvent{
				Type:      stream.RawEventResult,
				Subtype:   "error_during_execution",
				SessionID: sessionID,
				IsError:   true,
				Error:     "Approval request failed.",
			})
			return nil
		}
	}

	onEvent(stream.RawEvent{
		Type:      stream.RawEventResult,
		Subtype:   "error_max_turns",
		SessionID: sessionID,
		IsError:   true,
		Error:     "Tool loop exceeded the step limit.",
	})
	return nil
}

// streamTurn issues one Messages request, relaying deltas as stream events and
// returning the accumulated message.
func (r *AnthropicRuntime) streamTurn(ctx context.Context, q Query, messages []anthropic.MessageParam, onEvent func(stream.RawEvent)) (anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: r.maxOutput,
		Messages:  messages,
		Tools:     buildAnthropicTools(r.tools),
	}
	if r.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.system}}
	}
	if q.MaxThinkingTokens >= 1024 && int64(q.MaxThinkingTokens) < params.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(q.MaxThinkingTokens))
	}

	sdkStream := r.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for sdkStream.Next() {
		event := sdkStream.Current()
		if err := msg.Accumulate(event); err != nil {
			return anthropic.Message{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			block := contentBlockForStart(variant)
			if block == nil {
				continue
			}
			onEvent(stream.RawEvent{
				Type:  stream.RawEventStream,
				Event: &stream.RawStreamEvent{Type: stream.StreamBlockStart, Index: int(variant.Index), ContentBlock: block},
			})
		case anthropic.ContentBlockDeltaEvent:
			delta := rawDeltaFor(variant)
			if delta == nil {
				continue
			}
			onEvent(stream.RawEvent{
				Type:  stream.RawEventStream,
				Event: &stream.RawStreamEvent{Type: stream.StreamBlockDelta, Index: int(variant.Index), Delta: delta},
			})
		case anthropic.ContentBlockStopEvent:
			onEvent(stream.RawEvent{
				Type:  stream.RawEventStream,
				Event: &stream.RawStreamEvent{Type: stream.StreamBlockStop, Index: int(variant.Index)},
			})
		}
	}
	if err := sdkStream.Err(); err != nil {
		return anthropic.Message{}, err
	}
	return msg, nil
}

// runToolCall mediates and executes one tool call, returning the tool-result
// content for the model.
func (r *AnthropicRuntime) runToolCall(ctx context.Context, q Query, call toolUse) (content string, isError, interrupt bool) {
	decision := decide(ctx, q, call.Name, call.Input)
	if !decision.Allow {
		msg := strings.TrimSpace(decision.Message)
		if msg == "" {
			msg = "Tool call was not approved."
		}
		return msg, true, decision.Interrupt
	}

	content, isErr, err := r.executor.Execute(ctx, call.Name, call.Input)
	if err != nil {
		if r.log != nil {
			r.log.Warn("tool execution failed", "tool", call.Name, "error", err)
		}
		return err.Error(), true, false
	}
	return content, isErr, false
}

type toolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

func toolUseBlocks(msg anthropic.Message) []toolUse {
	var out []toolUse
	for _, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		input := map[string]any{}
		if len(tu.Input) > 0 {
			_ = json.Unmarshal(tu.Input, &input)
		}
		out = append(out, toolUse{ID: strings.TrimSpace(tu.ID), Name: strings.TrimSpace(tu.Name), Input: input})
	}
	return out
}

// assistantRawEvent reports the tool calls of an accumulated assistant message.
// Text and thinking already reached the consumer as streamed deltas; repeating
// them here would double the visible message.
func assistantRawEvent(msg anthropic.Message, sessionID string) stream.RawEvent {
	var blocks []stream.ContentBlock
	for _, block := range msg.Content {
		variant, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		input := map[string]any{}
		if len(variant.Input) > 0 {
			_ = json.Unmarshal(variant.Input, &input)
		}
		blocks = append(blocks, stream.ContentBlock{
			Type:  stream.BlockToolUse,
			ID:    strings.TrimSpace(variant.ID),
			Name:  strings.TrimSpace(variant.Name),
			Input: input,
		})
	}
	return stream.RawEvent{
		Type:      stream.RawEventAssistant,
		SessionID: sessionID,
		Message:   &stream.RawMessage{Role: "assistant", Content: blocks},
	}
}

func contentBlockForStart(ev anthropic.ContentBlockStartEvent) *stream.ContentBlock {
	switch strings.TrimSpace(ev.ContentBlock.Type) {
	case "text":
		return &stream.ContentBlock{Type: stream.BlockText, Text: ev.ContentBlock.Text}
	case "thinking":
		return &stream.ContentBlock{Type: stream.BlockThinking, Thinking: ev.ContentBlock.Thinking}
	case "tool_use":
		// Tool calls reach consumers fully formed in the assistant event.
		return &stream.ContentBlock{Type: stream.BlockToolUse, ID: strings.TrimSpace(ev.ContentBlock.ID), Name: strings.TrimSpace(ev.ContentBlock.Name)}
	default:
		return nil
	}
}

func rawDeltaFor(ev anthropic.ContentBlockDeltaEvent) *stream.RawDelta {
	switch delta := ev.Delta.AsAny().(type) {
	case anthropic.TextDelta:
		if delta.Text == "" {
			return nil
		}
		return &stream.RawDelta{Type: "text_delta", Text: delta.Text}
	case anthropic.ThinkingDelta:
		if delta.Thinking == "" {
			return nil
		}
		return &stream.RawDelta{Type: "thinking_delta", Thinking: delta.Thinking}
	default:
		// Tool input deltas are not replayed; see contentBlockForStart.
		return nil
	}
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		required := toStringSlice(def.InputSchema["required"])
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: def.InputSchema["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func (r *AnthropicRuntime) loadSession(id string) ([]anthropic.MessageParam, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	out := make([]anthropic.MessageParam, len(prior))
	copy(out, prior)
	return out, true
}

func (r *AnthropicRuntime) saveSession(id string, messages []anthropic.MessageParam) {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := make([]anthropic.MessageParam, len(messages))
	copy(saved, messages)
	r.sessions[id] = saved
}
