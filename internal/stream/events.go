package stream

// Raw event shapes arriving from the agent runtime boundary.
//
// The runtime emits a heterogeneous, partially-ordered event stream; every event
// carries a type tag (and subtype for system events) that is matched exhaustively
// in the transformer instead of sniffing field presence.

// RawEventType tags a top-level runtime event.
type RawEventType string

const (
	RawEventAssistant RawEventType = "assistant"
	RawEventUser      RawEventType = "user"
	RawEventSystem    RawEventType = "system"
	RawEventStream    RawEventType = "stream_event"
	RawEventResult    RawEventType = "result"
)

// RawEvent is one event from the runtime.
type RawEvent struct {
	Type    RawEventType `json:"type"`
	Subtype string       `json:"subtype,omitempty"`

	// SessionID is set on system init events; capturing it is a side effect of
	// transformation, it never becomes a visible chunk.
	SessionID string `json:"session_id,omitempty"`

	// Message is present on assistant/user events.
	Message *RawMessage `json:"message,omitempty"`

	// Event is present on stream_event events (incremental deltas).
	Event *RawStreamEvent `json:"event,omitempty"`

	// ToolUseResult is the out-of-band result payload some runtimes attach next to
	// the inline tool_result block. When both are present it wins.
	ToolUseResult string `json:"tool_use_result,omitempty"`

	// ParentToolUseID attributes subagent-nested activity to its invoking call.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// Result fields (type=result).
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RawMessage is the message body of an assistant or user event.
type RawMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlockType tags one block of a message body.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockThinking   ContentBlockType = "thinking"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one tagged block of message content.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// RawStreamEventType tags an incremental streaming sub-event.
type RawStreamEventType string

const (
	StreamBlockStart RawStreamEventType = "content_block_start"
	StreamBlockDelta RawStreamEventType = "content_block_delta"
	StreamBlockStop  RawStreamEventType = "content_block_stop"
)

// RawStreamEvent is the nested payload of a stream_event.
type RawStreamEvent struct {
	Type  RawStreamEventType `json:"type"`
	Index int                `json:"index"`

	// content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// content_block_delta
	Delta *RawDelta `json:"delta,omitempty"`
}

// RawDelta carries one streamed increment of an open block.
type RawDelta struct {
	Type     string `json:"type"` // text_delta | thinking_delta
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}
