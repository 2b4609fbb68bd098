package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/floegence/vaultgate/internal/stream"
)

const (
	openaiDefaultMaxOutputTokens = 4096
	openaiMaxSteps               = 40
)

type OpenAIOptions struct {
	Logger *slog.Logger

	APIKey  string
	BaseURL string
	Model   string

	MaxOutputTokens int
	Instructions    string

	Tools    []ToolDef
	Executor ToolExecutor
}

// OpenAIRuntime runs the agent loop against the OpenAI Responses API. Unlike
// the Anthropic runtime it does not relay token deltas; consumers get whole
// assistant messages per step.
type OpenAIRuntime struct {
	log          *slog.Logger
	client       openai.Client
	model        string
	maxOutput    int64
	instructions string
	tools        []ToolDef
	executor     ToolExecutor

	mu       sync.Mutex
	sessions map[string][]oresponses.ResponseInputItemUnionParam
}

func NewOpenAI(opts OpenAIOptions) (*OpenAIRuntime, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	if opts.Executor == nil {
		return nil, errors.New("missing tool executor")
	}
	clientOpts := []ooption.RequestOption{}
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		clientOpts = append(clientOpts, ooption.WithAPIKey(key))
	}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		clientOpts = append(clientOpts, ooption.WithBaseURL(baseURL))
	}
	maxOutput := int64(opts.MaxOutputTokens)
	if maxOutput <= 0 {
		maxOutput = openaiDefaultMaxOutputTokens
	}
	return &OpenAIRuntime{
		log:          opts.Logger,
		client:       openai.NewClient(clientOpts...),
		model:        model,
		maxOutput:    maxOutput,
		instructions: strings.TrimSpace(opts.Instructions),
		tools:        opts.Tools,
		executor:     opts.Executor,
		sessions:     make(map[string][]oresponses.ResponseInputItemUnionParam),
	}, nil
}

func (r *OpenAIRuntime) RunQuery(ctx context.Context, q Query, onEvent func(stream.RawEvent)) error {
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
	var items []oresponses.ResponseInputItemUnionParam
	if sessionID != "" {
		prior, ok := r.loadSession(sessionID)
		if !ok {
			return fmt.Errorf("resume failed: %w", ErrSessionNotFound)
		}
		items = prior
	} else {
		sessionID = newSessionID()
	}
	onEvent(stream.RawEvent{Type: stream.RawEventSystem, Subtype: "init", SessionID: sessionID})

	items = append(items, oresponses.ResponseInputItemParamOfMessage(prompt, oresponses.EasyInputMessageRoleUser))
	defer func() { r.saveSession(sessionID, items) }()

	for step := 0; step < openaiMaxSteps; step++ {
		params := oresponses.ResponseNewParams{
			Model:             oshared.ResponsesModel(r.model),
			MaxOutputTokens:   openai.Int(r.maxOutput),
			ParallelToolCalls: openai.Bool(false),
			Input:             oresponses.ResponseNewParamsInputUnion{OfInputItemList: items},
		}
		if r.instructions != "" {
			params.Instructions = openai.String(r.instructions)
		}
		if tools := buildOpenAITools(r.tools); len(tools) > 0 {
			params.Tools = tools
		}

		resp, err := r.client.Responses.New(ctx, params)
		if err != nil {
			return err
		}

		text, calls := splitOpenAIOutput(*resp)
		onEvent(openaiAssistantRawEvent(text, calls, sessionID))

		if text != "" {
			items = append(items, oresponses.ResponseInputItemParamOfMessage(text, oresponses.EasyInputMessageRoleAssistant))
		}
		for _, call := range calls {
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(call.ArgsRaw, call.ID, call.Name))
		}

		if len(calls) == 0 {
			onEvent(stream.RawEvent{Type: stream.RawEventResult, Subtype: "success", SessionID: sessionID})
			return nil
		}

		interrupted := false
		for _, call := range calls {
			content, isErr, interrupt := r.runToolCall(ctx, q, call)
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(call.ID, content))
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

func (r *OpenAIRuntime) runToolCall(ctx context.Context, q Query, call openaiToolCall) (content string, isError, interrupt bool) {
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

type openaiToolCall struct {
	ID      string
	Name    string
	ArgsRaw string
	Input   map[string]any
}

func splitOpenAIOutput(resp oresponses.Response) (string, []openaiToolCall) {
	var sb strings.Builder
	var calls []openaiToolCall
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(strings.TrimSpace(part.Text))
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			if callID == "" {
				callID = fmt.Sprintf("openai_call_%d", len(calls)+1)
			}
			rawArgs := strings.TrimSpace(item.Arguments)
			input := map[string]any{}
			if rawArgs != "" {
				_ = json.Unmarshal([]byte(rawArgs), &input)
			}
			calls = append(calls, openaiToolCall{
				ID:      callID,
				Name:    strings.TrimSpace(item.Name),
				ArgsRaw: rawArgs,
				Input:   input,
			})
		}
	}
	return strings.TrimSpace(sb.String()), calls
}

func openaiAssistantRawEvent(text string, calls []openaiToolCall, sessionID string) stream.RawEvent {
	blocks := make([]stream.ContentBlock, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, stream.ContentBlock{Type: stream.BlockText, Text: text})
	}
	for _, call := range calls {
		blocks = append(blocks, stream.ContentBlock{
			Type:  stream.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
	}
	return stream.RawEvent{
		Type:      stream.RawEventAssistant,
		SessionID: sessionID,
		Message:   &stream.RawMessage{Role: "assistant", Content: blocks},
	}
}

func buildOpenAITools(defs []ToolDef) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := map[string]any{
			"type":       "object",
			"properties": def.InputSchema["properties"],
			"required":   toStringSlice(def.InputSchema["required"]),
		}
		out = append(out, oresponses.ToolParamOfFunction(name, schema, false))
	}
	return out
}

func (r *OpenAIRuntime) loadSession(id string) ([]oresponses.ResponseInputItemUnionParam, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	out := make([]oresponses.ResponseInputItemUnionParam, len(prior))
	copy(out, prior)
	return out, true
}

func (r *OpenAIRuntime) saveSession(id string, items []oresponses.ResponseInputItemUnionParam) {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := make([]oresponses.ResponseInputItemUnionParam, len(items))
	copy(saved, items)
	r.sessions[id] = saved
}
