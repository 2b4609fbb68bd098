package stream

import "strings"

// Transformer normalizes the runtime's raw event stream into Chunk values.
//
// It consumes one event at a time and yields zero or more chunks preserving
// arrival order. The only state it keeps is the set of open streaming blocks by
// content_block index, so interleaved text/thinking deltas stay attributed to the
// right logical block.
type Transformer struct {
	// OnSessionID observes the session id carried by system init events.
	OnSessionID func(sessionID string)

	open map[int]ChunkKind // content_block index -> chunk kind
}

func NewTransformer(onSessionID func(string)) *Transformer {
	return &Transformer{OnSessionID: onSessionID, open: make(map[int]ChunkKind)}
}

// Transform maps one raw event to its chunks.
func (t *Transformer) Transform(ev RawEvent) []Chunk {
	if t == nil {
		return nil
	}
	if t.open == nil {
		t.open = make(map[int]ChunkKind)
	}

	switch ev.Type {
	case RawEventSystem:
		if ev.Subtype == "init" && strings.TrimSpace(ev.SessionID) != "" && t.OnSessionID != nil {
			t.OnSessionID(strings.TrimSpace(ev.SessionID))
		}
		return nil

	case RawEventAssistant:
		return t.transformAssistant(ev)

	case RawEventUser:
		return t.transformUser(ev)

	case RawEventStream:
		return t.transformStreamEvent(ev)

	case RawEventResult:
		var out []Chunk
		if ev.IsError {
			msg := strings.TrimSpace(ev.Error)
			if msg == "" {
				msg = "Query failed."
			}
			out = append(out, Chunk{Kind: ChunkError, Text: msg, ParentToolUseID: ev.ParentToolUseID})
		}
		out = append(out, Chunk{Kind: ChunkDone, ParentToolUseID: ev.ParentToolUseID})
		return out

	default:
		// Unknown event types are dropped, not surfaced as errors: the runtime may
		// grow new event kinds without breaking older consumers.
		return nil
	}
}

func (t *Transformer) transformAssistant(ev RawEvent) []Chunk {
	if ev.Message == nil {
		return nil
	}
	out := make([]Chunk, 0, len(ev.Message.Content))
	for _, block := range ev.Message.Content {
		switch block.Type {
		case BlockText:
			if block.Text == "" {
				continue
			}
			out = append(out, Chunk{Kind: ChunkText, Text: block.Text, ParentToolUseID: ev.ParentToolUseID})
		case BlockThinking:
			if block.Thinking == "" {
				continue
			}
			out = append(out, Chunk{Kind: ChunkThinking, Text: block.Thinking, ParentToolUseID: ev.ParentToolUseID})
		case BlockToolUse:
			out = append(out, Chunk{
				Kind:            ChunkToolUse,
				ToolUseID:       strings.TrimSpace(block.ID),
				ToolName:        strings.TrimSpace(block.Name),
				ToolInput:       block.Input,
				ParentToolUseID: ev.ParentToolUseID,
			})
		}
	}
	return out
}

func (t *Transformer) transformUser(ev RawEvent) []Chunk {
	if ev.Message == nil {
		return nil
	}
	var out []Chunk
	for _, block := range ev.Message.Content {
		if block.Type != BlockToolResult {
			continue
		}
		content := block.Content
		if strings.TrimSpace(ev.ToolUseResult) != "" {
			content = ev.ToolUseResult
		}
		out = append(out, Chunk{
			Kind:            ChunkToolResult,
			ToolUseID:       strings.TrimSpace(block.ToolUseID),
			Content:         content,
			IsError:         block.IsError,
			ParentToolUseID: ev.ParentToolUseID,
		})
	}
	return out
}

func (t *Transformer) transformStreamEvent(ev RawEvent) []Chunk {
	se := ev.Event
	if se == nil {
		return nil
	}
	switch se.Type {
	case StreamBlockStart:
		if se.ContentBlock == nil {
			return nil
		}
		switch se.ContentBlock.Type {
		case BlockText:
			t.open[se.Index] = ChunkText
			if se.ContentBlock.Text == "" {
				return nil
			}
			return []Chunk{{Kind: ChunkText, Text: se.ContentBlock.Text, ParentToolUseID: ev.ParentToolUseID}}
		case BlockThinking:
			t.open[se.Index] = ChunkThinking
			if se.ContentBlock.Thinking == "" {
				return nil
			}
			return []Chunk{{Kind: ChunkThinking, Text: se.ContentBlock.Thinking, ParentToolUseID: ev.ParentToolUseID}}
		default:
			// tool_use arrives fully-formed in the assistant message; no streaming state.
			return nil
		}

	case StreamBlockDelta:
		if se.Delta == nil {
			return nil
		}
		kind, ok := t.open[se.Index]
		if !ok {
			// Delta for a block we never saw open: infer the kind from the delta tag.
			switch se.Delta.Type {
			case "thinking_delta":
				kind = ChunkThinking
			default:
				kind = ChunkText
			}
			t.open[se.Index] = kind
		}
		text := se.Delta.Text
		if se.Delta.Type == "thinking_delta" {
			text = se.Delta.Thinking
		}
		if text == "" {
			return nil
		}
		return []Chunk{{Kind: kind, Text: text, ParentToolUseID: ev.ParentToolUseID}}

	case StreamBlockStop:
		delete(t.open, se.Index)
		return nil

	default:
		return nil
	}
}
