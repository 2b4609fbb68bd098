// Package agent is the query pipeline: it submits prompts to the runtime,
// mediates every proposed tool call, normalizes the event stream into chunks,
// and recovers the conversation when the runtime session expires.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/floegence/vaultgate/internal/mediator"
	"github.com/floegence/vaultgate/internal/runtime"
	"github.com/floegence/vaultgate/internal/session"
	"github.com/floegence/vaultgate/internal/stream"
)

const (
	defaultContextTurns  = 40
	defaultResultExcerpt = 200
)

type Options struct {
	Logger     *slog.Logger
	Runtime    runtime.Runtime
	Mediator   *mediator.Mediator
	Transcript *session.Transcript

	PermissionMode    string
	MaxThinkingTokens int

	// ContextTurns bounds how many prior turns are replayed when a session has
	// to be rebuilt; ResultExcerpt caps each replayed tool result.
	ContextTurns  int
	ResultExcerpt int
}

// Service owns one conversation. At most one query is in flight; submitting a
// new one cancels the previous run and waits for it to wind down first.
type Service struct {
	log        *slog.Logger
	rt         runtime.Runtime
	med        *mediator.Mediator
	transcript *session.Transcript

	permissionMode string
	maxThinking    int
	contextTurns   int
	resultExcerpt  int

	handle session.Handle

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Service, error) {
	if opts.Runtime == nil {
		return nil, errors.New("missing runtime")
	}
	if opts.Mediator == nil {
		return nil, errors.New("missing mediator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	contextTurns := opts.ContextTurns
	if contextTurns <= 0 {
		contextTurns = defaultContextTurns
	}
	resultExcerpt := opts.ResultExcerpt
	if resultExcerpt <= 0 {
		resultExcerpt = defaultResultExcerpt
	}
	return &Service{
		log:            logger,
		rt:             opts.Runtime,
		med:            opts.Mediator,
		transcript:     opts.Transcript,
		permissionMode: strings.TrimSpace(opts.PermissionMode),
		maxThinking:    opts.MaxThinkingTokens,
		contextTurns:   contextTurns,
		resultExcerpt:  resultExcerpt,
	}, nil
}

// SessionID exposes the current runtime session id (empty before the first
// query completes its init event).
func (s *Service) SessionID() string {
	return s.handle.ID()
}

// Cancel requests cancellation of the in-flight query, if any. The run drains
// to a final Done chunk rather than vanishing.
func (s *Service) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset abandons the conversation: runtime session, session-scoped approval
// grants, and the recorded transcript.
func (s *Service) Reset(ctx context.Context) error {
	s.Cancel()
	s.handle.Reset()
	s.med.ClearSession()
	if s.transcript != nil {
		return s.transcript.Clear(ctx)
	}
	return nil
}

// Query runs one prompt to completion, delivering chunks in order on the
// calling goroutine. The final chunk is always Done, including after
// cancellation and failures.
func (s *Service) Query(ctx context.Context, prompt string, contextFiles []string, onChunk func(stream.Chunk)) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return errors.New("empty prompt")
	}
	if onChunk == nil {
		onChunk = func(stream.Chunk) {}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Cancel-then-start: the previous run must fully wind down before the new
	// one begins, so chunk streams never interleave. Installing this run's
	// state under the same lock that cancels the previous one makes admission
	// atomic; concurrent callers form a chain, each waiting on its predecessor.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	prev := s.done
	s.cancel, s.done = cancel, done
	s.mu.Unlock()
	if prev != nil {
		<-prev
	}
	defer func() {
		cancel()
		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	col := &collector{onChunk: onChunk}
	hook := func(hookCtx context.Context, tool string, input map[string]any) runtime.ToolDecision {
		d := s.med.Evaluate(hookCtx, tool, input)
		if d.Outcome == mediator.OutcomeApproved {
			return runtime.ToolDecision{Allow: true}
		}
		col.emit(stream.Chunk{Kind: stream.ChunkBlocked, Text: d.Message, ToolName: tool})
		return runtime.ToolDecision{Allow: false, Message: d.Message, Interrupt: d.Interrupt}
	}
	attempt := func(attemptPrompt, resume string) error {
		tr := stream.NewTransformer(s.handle.Capture)
		q := runtime.Query{
			Prompt:            attemptPrompt,
			Resume:            resume,
			PermissionMode:    s.permissionMode,
			MaxThinkingTokens: s.maxThinking,
			CanUseTool:        hook,
		}
		return s.rt.RunQuery(runCtx, q, func(ev stream.RawEvent) {
			for _, c := range tr.Transform(ev) {
				col.emit(c)
			}
		})
	}

	resume := s.handle.ID()
	err := attempt(prompt, resume)
	if err != nil && resume != "" && session.IsExpiryError(err) {
		// The stored session is gone. Rebuild the conversation into a fresh one
		// and retry exactly once.
		s.log.Info("session expired, rebuilding context", "session_id", resume)
		s.handle.Reset()
		err = attempt(s.rebuildPrompt(runCtx, prompt), "")
	}

	s.recordTurns(prompt, contextFiles, col)

	if err != nil {
		if runCtx.Err() != nil {
			// Cancellation is a normal ending, not a failure.
			col.finish("")
			return nil
		}
		col.finish(err.Error())
		return err
	}
	col.finish("")
	return nil
}

func (s *Service) rebuildPrompt(ctx context.Context, prompt string) string {
	if s.transcript == nil {
		return prompt
	}
	turns, err := s.transcript.Recent(ctx, s.contextTurns)
	if err != nil {
		s.log.Warn("transcript read failed, retrying without context", "error", err)
		return prompt
	}
	if len(turns) == 0 {
		return prompt
	}
	return session.BuildContextPrompt(turns, prompt, s.resultExcerpt)
}

// recordTurns appends the user and assistant turns of this query to the
// transcript. Best-effort: the conversation continues even if persistence
// fails.
func (s *Service) recordTurns(prompt string, contextFiles []string, col *collector) {
	if s.transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.transcript.Append(ctx, session.Turn{Role: "user", Text: prompt, ContextFiles: contextFiles}); err != nil {
		s.log.Warn("transcript append failed", "error", err)
		return
	}
	if err := s.transcript.Append(ctx, session.Turn{
		Role:      "assistant",
		Text:      col.text.String(),
		ToolCalls: col.toolCalls(),
	}); err != nil {
		s.log.Warn("transcript append failed", "error", err)
	}
}

// collector accumulates what the transcript needs while chunks pass through to
// the consumer, and guarantees the stream ends with exactly one Done.
type collector struct {
	onChunk func(stream.Chunk)

	text     strings.Builder
	names    map[string]string // tool_use id -> tool name
	calls    []session.ToolCall
	byID     map[string]int // tool_use id -> index in calls
	doneSeen bool
}

func (c *collector) emit(chunk stream.Chunk) {
	switch chunk.Kind {
	case stream.ChunkText:
		c.text.WriteString(chunk.Text)
	case stream.ChunkToolUse:
		if c.names == nil {
			c.names = map[string]string{}
			c.byID = map[string]int{}
		}
		c.names[chunk.ToolUseID] = chunk.ToolName
		c.byID[chunk.ToolUseID] = len(c.calls)
		c.calls = append(c.calls, session.ToolCall{Name: chunk.ToolName, Status: "pending"})
	case stream.ChunkToolResult:
		if i, ok := c.byID[chunk.ToolUseID]; ok {
			status := "ok"
			if chunk.IsError {
				status = "error"
			}
			c.calls[i].Status = status
			c.calls[i].Result = chunk.Content
		}
	case stream.ChunkBlocked:
		// Attributed to the most recent pending call when there is one.
		for i := len(c.calls) - 1; i >= 0; i-- {
			if c.calls[i].Status == "pending" {
				c.calls[i].Status = "denied"
				c.calls[i].Result = chunk.Text
				break
			}
		}
	case stream.ChunkDone:
		if c.doneSeen {
			return
		}
		c.doneSeen = true
	}
	c.onChunk(chunk)
}

// finish terminates the stream: an optional Error chunk, then Done unless the
// runtime already delivered one.
func (c *collector) finish(errMsg string) {
	if errMsg != "" {
		c.onChunk(stream.Chunk{Kind: stream.ChunkError, Text: errMsg})
	}
	if !c.doneSeen {
		c.doneSeen = true
		c.onChunk(stream.Chunk{Kind: stream.ChunkDone})
	}
}

func (c *collector) toolCalls() []session.ToolCall {
	out := make([]session.ToolCall, 0, len(c.calls))
	for _, call := range c.calls {
		if call.Status == "pending" {
			call.Status = "ok"
		}
		out = append(out, call)
	}
	return out
}
