package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/vaultgate/internal/approval"
	"github.com/floegence/vaultgate/internal/mediator"
	"github.com/floegence/vaultgate/internal/runtime"
	"github.com/floegence/vaultgate/internal/sandbox"
	"github.com/floegence/vaultgate/internal/session"
	"github.com/floegence/vaultgate/internal/stream"
)

type fakeRuntime struct {
	mu      sync.Mutex
	queries []runtime.Query
	script  func(ctx context.Context, q runtime.Query, onEvent func(stream.RawEvent)) error
}

func (f *fakeRuntime) RunQuery(ctx context.Context, q runtime.Query, onEvent func(stream.RawEvent)) error {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return f.script(ctx, q, onEvent)
}

func (f *fakeRuntime) queryAt(i int) runtime.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[i]
}

func (f *fakeRuntime) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type denyPrompter struct{}

func (denyPrompter) Prompt(context.Context, mediator.PromptRequest) (mediator.PromptDecision, error) {
	return mediator.PromptDeny, nil
}

func successTurn(sessionID, text string) func(context.Context, runtime.Query, func(stream.RawEvent)) error {
	return func(_ context.Context, _ runtime.Query, onEvent func(stream.RawEvent)) error {
		onEvent(stream.RawEvent{Type: stream.RawEventSystem, Subtype: "init", SessionID: sessionID})
		onEvent(stream.RawEvent{
			Type:    stream.RawEventAssistant,
			Message: &stream.RawMessage{Role: "assistant", Content: []stream.ContentBlock{{Type: stream.BlockText, Text: text}}},
		})
		onEvent(stream.RawEvent{Type: stream.RawEventResult, Subtype: "success", SessionID: sessionID})
		return nil
	}
}

func newService(t *testing.T, rt runtime.Runtime, withTranscript bool, trusted bool) *Service {
	t.Helper()

	vault := t.TempDir()
	sb, err := sandbox.New(vault, nil)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	approvals, err := approval.NewStore(context.Background(), approval.Options{})
	if err != nil {
		t.Fatalf("approval.NewStore: %v", err)
	}
	med, err := mediator.New(mediator.Options{
		Sandbox:   sb,
		Approvals: approvals,
		Prompter:  denyPrompter{},
		Trusted:   trusted,
	})
	if err != nil {
		t.Fatalf("mediator.New: %v", err)
	}

	var transcript *session.Transcript
	if withTranscript {
		transcript, err = session.OpenTranscript(filepath.Join(t.TempDir(), "transcript.db"))
		if err != nil {
			t.Fatalf("OpenTranscript: %v", err)
		}
		t.Cleanup(func() { transcript.Close() })
	}

	svc, err := New(Options{Runtime: rt, Mediator: med, Transcript: transcript})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func collectChunks(t *testing.T, svc *Service, prompt string) ([]stream.Chunk, error) {
	t.Helper()
	var chunks []stream.Chunk
	err := svc.Query(context.Background(), prompt, nil, func(c stream.Chunk) { chunks = append(chunks, c) })
	return chunks, err
}

func TestQueryStreamsChunksAndCapturesSession(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{script: successTurn("sess-1", "hello")}
	svc := newService(t, rt, false, true)

	chunks, err := collectChunks(t, svc, "hi")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Kind != stream.ChunkText || chunks[1].Kind != stream.ChunkDone {
		t.Fatalf("chunks=%+v", chunks)
	}
	if svc.SessionID() != "sess-1" {
		t.Fatalf("session id=%q, want sess-1", svc.SessionID())
	}

	// The captured session id is offered as the resume token next time.
	if _, err := collectChunks(t, svc, "again"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := rt.queryAt(1).Resume; got != "sess-1" {
		t.Fatalf("resume=%q, want sess-1", got)
	}
}

func TestExpiredSessionRetriesOnceWithRebuiltContext(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	rt.script = func(ctx context.Context, q runtime.Query, onEvent func(stream.RawEvent)) error {
		if q.Resume == "sess-1" {
			return errors.New("runtime: Session expired")
		}
		if q.Resume == "" && rt.queryCount() == 1 {
			return successTurn("sess-1", "seeded")(ctx, q, onEvent)
		}
		return successTurn("sess-2", "recovered")(ctx, q, onEvent)
	}
	svc := newService(t, rt, true, true)

	// First query establishes sess-1 and seeds the transcript.
	if _, err := collectChunks(t, svc, "first prompt"); err != nil {
		t.Fatalf("Query: %v", err)
	}

	chunks, err := collectChunks(t, svc, "second prompt")
	if err != nil {
		t.Fatalf("Query after expiry: %v", err)
	}
	if rt.queryCount() != 3 {
		t.Fatalf("query count=%d, want 3 (initial, failed resume, retry)", rt.queryCount())
	}
	retry := rt.queryAt(2)
	if retry.Resume != "" {
		t.Fatalf("retry resume=%q, want empty", retry.Resume)
	}
	if !strings.Contains(retry.Prompt, "User: first prompt") {
		t.Fatalf("retry prompt missing prior turn:\n%s", retry.Prompt)
	}
	if !strings.HasSuffix(retry.Prompt, "User: second prompt") {
		t.Fatalf("retry prompt must end with the new request:\n%s", retry.Prompt)
	}
	if svc.SessionID() != "sess-2" {
		t.Fatalf("session id=%q, want sess-2", svc.SessionID())
	}
	if chunks[len(chunks)-1].Kind != stream.ChunkDone {
		t.Fatalf("stream must end with Done: %+v", chunks)
	}
}

func TestSecondFailureSurfacesErrorChunk(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	rt.script = func(ctx context.Context, q runtime.Query, onEvent func(stream.RawEvent)) error {
		switch {
		case q.Resume != "":
			return errors.New("session not found")
		case rt.queryCount() == 1:
			return successTurn("sess-1", "ok")(ctx, q, onEvent)
		default:
			return errors.New("provider unavailable")
		}
	}
	svc := newService(t, rt, true, true)

	if _, err := collectChunks(t, svc, "first"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	chunks, err := collectChunks(t, svc, "second")
	if err == nil {
		t.Fatalf("second failure must surface as an error")
	}
	if len(chunks) < 2 {
		t.Fatalf("chunks=%+v", chunks)
	}
	if chunks[len(chunks)-2].Kind != stream.ChunkError || !strings.Contains(chunks[len(chunks)-2].Text, "provider unavailable") {
		t.Fatalf("missing terminal error chunk: %+v", chunks)
	}
	if chunks[len(chunks)-1].Kind != stream.ChunkDone {
		t.Fatalf("stream must still end with Done: %+v", chunks)
	}
}

func TestDeniedToolSurfacesBlockedChunk(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	rt.script = func(ctx context.Context, q runtime.Query, onEvent func(stream.RawEvent)) error {
		onEvent(stream.RawEvent{Type: stream.RawEventSystem, Subtype: "init", SessionID: "sess-1"})
		d := q.CanUseTool(ctx, "Bash", map[string]any{"command": "git push"})
		if d.Allow {
			return errors.New("expected denial")
		}
		onEvent(stream.RawEvent{Type: stream.RawEventResult, Subtype: "success", SessionID: "sess-1"})
		return nil
	}
	svc := newService(t, rt, false, false)

	chunks, err := collectChunks(t, svc, "push it")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Kind != stream.ChunkBlocked {
		t.Fatalf("chunks=%+v, want blocked then done", chunks)
	}
	if chunks[0].Text != "User denied this action." {
		t.Fatalf("blocked text=%q", chunks[0].Text)
	}
}

func TestCancelDrainsToDone(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	rt := &fakeRuntime{}
	rt.script = func(ctx context.Context, _ runtime.Query, onEvent func(stream.RawEvent)) error {
		onEvent(stream.RawEvent{Type: stream.RawEventSystem, Subtype: "init", SessionID: "sess-1"})
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	svc := newService(t, rt, false, true)

	var chunks []stream.Chunk
	var queryErr error
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		queryErr = svc.Query(context.Background(), "long task", nil, func(c stream.Chunk) { chunks = append(chunks, c) })
	}()

	<-started
	svc.Cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("query did not wind down after cancel")
	}

	if queryErr != nil {
		t.Fatalf("cancelled query returned error: %v", queryErr)
	}
	if len(chunks) == 0 || chunks[len(chunks)-1].Kind != stream.ChunkDone {
		t.Fatalf("cancelled stream must end with Done: %+v", chunks)
	}
}

func TestNewQueryCancelsInFlightRun(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	rt := &fakeRuntime{}
	rt.script = func(ctx context.Context, q runtime.Query, onEvent func(stream.RawEvent)) error {
		if q.Prompt == "slow" {
			onEvent(stream.RawEvent{Type: stream.RawEventSystem, Subtype: "init", SessionID: "sess-1"})
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return successTurn("sess-1", "fast answer")(ctx, q, onEvent)
	}
	svc := newService(t, rt, false, true)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_ = svc.Query(context.Background(), "slow", nil, nil)
	}()
	<-started

	chunks, err := collectChunks(t, svc, "fast")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	select {
	case <-slowDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("prior run still in flight after new query returned")
	}
	if len(chunks) != 2 || chunks[0].Kind != stream.ChunkText || chunks[0].Text != "fast answer" {
		t.Fatalf("chunks=%+v", chunks)
	}
}

func TestConcurrentQueriesNeverOverlapRuns(t *testing.T) {
	t.Parallel()

	var active, overlapped int32
	rt := &fakeRuntime{}
	rt.script = func(ctx context.Context, q runtime.Query, onEvent func(stream.RawEvent)) error {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return successTurn("sess-1", "ok")(ctx, q, onEvent)
	}
	svc := newService(t, rt, false, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Query(context.Background(), "race me", nil, nil)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatalf("runtime observed overlapping runs; admission must serialize queries")
	}
}

func TestResetClearsSessionState(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{script: successTurn("sess-1", "hi")}
	svc := newService(t, rt, true, true)

	if _, err := collectChunks(t, svc, "hello"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if err := svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if svc.SessionID() != "" {
		t.Fatalf("session id=%q after reset", svc.SessionID())
	}
	if _, err := collectChunks(t, svc, "fresh"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := rt.queryAt(1).Resume; got != "" {
		t.Fatalf("resume=%q after reset, want empty", got)
	}
}
