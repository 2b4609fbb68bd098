package stream

// ChunkKind tags a normalized stream chunk.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkThinking   ChunkKind = "thinking"
	ChunkToolUse    ChunkKind = "tool_use"
	ChunkToolResult ChunkKind = "tool_result"
	ChunkError      ChunkKind = "error"
	ChunkBlocked    ChunkKind = "blocked"
	ChunkDone       ChunkKind = "done"
)

// Chunk is the uniform unit consumers render. Delta chunks are emitted one per
// raw delta; concatenating same-kind chunks in arrival order reconstructs the
// full block, the transformer never buffers.
type Chunk struct {
	Kind ChunkKind

	// text / thinking / error / blocked message content
	Text string

	// tool_use
	ToolUseID string
	ToolName  string
	ToolInput map[string]any

	// tool_result
	Content string
	IsError bool

	// ParentToolUseID associates nested/subagent output with its invoking call.
	ParentToolUseID string
}
