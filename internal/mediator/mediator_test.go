package mediator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/vaultgate/internal/approval"
	"github.com/floegence/vaultgate/internal/cmdpolicy"
	"github.com/floegence/vaultgate/internal/sandbox"
)

type fakePrompter struct {
	decision PromptDecision
	err      error
	calls    int
}

func (p *fakePrompter) Prompt(_ context.Context, _ PromptRequest) (PromptDecision, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.decision, nil
}

type fakeTracker struct {
	cancelled []string
}

func (t *fakeTracker) EditCancelled(tool string, _ map[string]any) {
	t.cancelled = append(t.cancelled, tool)
}

type fixture struct {
	vault    string
	export   string
	prompter *fakePrompter
	tracker  *fakeTracker
	med      *Mediator
}

func newFixture(t *testing.T, opts func(*Options)) *fixture {
	t.Helper()

	vault := t.TempDir()
	export := t.TempDir()
	sb, err := sandbox.New(vault, []string{export})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	approvals, err := approval.NewStore(context.Background(), approval.Options{})
	if err != nil {
		t.Fatalf("approval.NewStore: %v", err)
	}
	prompter := &fakePrompter{decision: PromptAllow}
	tracker := &fakeTracker{}

	o := Options{
		Sandbox:     sb,
		Blocklist:   cmdpolicy.NewBlocklist([]string{`rm\s+-rf`}, nil),
		Approvals:   approvals,
		Prompter:    prompter,
		EditTracker: tracker,
	}
	if opts != nil {
		opts(&o)
	}
	med, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{vault: vault, export: export, prompter: prompter, tracker: tracker, med: med}
}

func TestBlocklistPrecedesPathAnalysis(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	d := f.med.Evaluate(context.Background(), "Bash", map[string]any{"command": "rm   -rf " + f.vault})
	if d.Outcome != OutcomeBlocked {
		t.Fatalf("outcome=%q, want blocked", d.Outcome)
	}
	if !strings.Contains(d.Message, "blocked by blocklist") {
		t.Fatalf("message=%q, want blocklist wording", d.Message)
	}
	if d.Pattern != `rm\s+-rf` {
		t.Fatalf("pattern=%q", d.Pattern)
	}
}

func TestReadOutsideVaultBlocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	d := f.med.Evaluate(context.Background(), "Read", map[string]any{"file_path": "/etc/passwd"})
	if d.Outcome != OutcomeBlocked {
		t.Fatalf("outcome=%q, want blocked", d.Outcome)
	}
	if !strings.Contains(d.Message, "outside the vault") {
		t.Fatalf("message=%q, want outside-the-vault wording", d.Message)
	}
	if f.prompter.calls != 0 {
		t.Fatalf("sandbox violations must never reach the prompt")
	}
}

func TestExportRootIsWriteOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.Trusted = true })

	// Writing into the export root is fine.
	d := f.med.Evaluate(context.Background(), "Bash", map[string]any{
		"command": fmt.Sprintf("cat ./notes/file.md > %s", filepath.Join(f.export, "out.md")),
	})
	if d.Outcome != OutcomeApproved {
		t.Fatalf("export write outcome=%q (%s), want approved", d.Outcome, d.Message)
	}

	// Reading back from the export root is a violation.
	d = f.med.Evaluate(context.Background(), "Bash", map[string]any{
		"command": fmt.Sprintf("cp %s ./notes/out.md", filepath.Join(f.export, "out.md")),
	})
	if d.Outcome != OutcomeBlocked {
		t.Fatalf("export read outcome=%q, want blocked", d.Outcome)
	}
	if !strings.Contains(d.Message, "write-only") {
		t.Fatalf("message=%q, want write-only wording", d.Message)
	}
}

func TestWriteOutsideBothRootsBlocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.Trusted = true })
	d := f.med.Evaluate(context.Background(), "Write", map[string]any{"file_path": "/usr/local/evil.sh"})
	if d.Outcome != OutcomeBlocked {
		t.Fatalf("outcome=%q, want blocked", d.Outcome)
	}
	if !strings.Contains(d.Message, "outside the vault") {
		t.Fatalf("message=%q", d.Message)
	}
}

func TestAllowRecordsSessionGrant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	input := map[string]any{"command": "git status"}

	if d := f.med.Evaluate(context.Background(), "Bash", input); d.Outcome != OutcomeApproved {
		t.Fatalf("first call outcome=%q", d.Outcome)
	}
	if d := f.med.Evaluate(context.Background(), "Bash", input); d.Outcome != OutcomeApproved {
		t.Fatalf("second call outcome=%q", d.Outcome)
	}
	if f.prompter.calls != 1 {
		t.Fatalf("prompt calls=%d, want 1 (session grant must suppress re-prompt)", f.prompter.calls)
	}

	// A different command is a different grant.
	f.med.Evaluate(context.Background(), "Bash", map[string]any{"command": "git push"})
	if f.prompter.calls != 2 {
		t.Fatalf("prompt calls=%d, want 2", f.prompter.calls)
	}

	f.med.ClearSession()
	f.med.Evaluate(context.Background(), "Bash", input)
	if f.prompter.calls != 3 {
		t.Fatalf("prompt calls=%d, want 3 (session reset must clear grants)", f.prompter.calls)
	}
}

func TestAllowAlwaysPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.prompter.decision = PromptAllowAlways

	path := filepath.Join(f.vault, "notes")
	if d := f.med.Evaluate(context.Background(), "Write", map[string]any{"file_path": path + "/a.md"}); d.Outcome != OutcomeApproved {
		t.Fatalf("outcome=%q", d.Outcome)
	}

	// Prefix grant covers other files under the same path even after reset.
	f.med.ClearSession()
	f.prompter.decision = PromptDeny
	if d := f.med.Evaluate(context.Background(), "Write", map[string]any{"file_path": path + "/a.md"}); d.Outcome != OutcomeApproved {
		t.Fatalf("permanent grant lost after reset: %q", d.Outcome)
	}
}

func TestDenyMessageAndRollback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.prompter.decision = PromptDeny

	d := f.med.Evaluate(context.Background(), "Write", map[string]any{"file_path": filepath.Join(f.vault, "a.md")})
	if d.Outcome != OutcomeDenied {
		t.Fatalf("outcome=%q, want denied", d.Outcome)
	}
	if d.Message != "User denied this action." {
		t.Fatalf("message=%q", d.Message)
	}
	if d.Interrupt {
		t.Fatalf("plain deny must not interrupt the turn")
	}
	if len(f.tracker.cancelled) != 1 || f.tracker.cancelled[0] != "Write" {
		t.Fatalf("edit tracker not notified: %v", f.tracker.cancelled)
	}
}

func TestPromptFailureInterrupts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.prompter.err = errors.New("ui crashed")

	d := f.med.Evaluate(context.Background(), "Edit", map[string]any{"file_path": filepath.Join(f.vault, "a.md")})
	if d.Outcome != OutcomeDenied || !d.Interrupt {
		t.Fatalf("decision=%+v, want interrupting deny", d)
	}
	if d.Message != "Approval request failed." {
		t.Fatalf("message=%q", d.Message)
	}
	if len(f.tracker.cancelled) != 1 {
		t.Fatalf("edit tracker not notified on approval-flow failure")
	}
}

func TestCancelledPromptIsImplicitDeny(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.prompter.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := f.med.Evaluate(ctx, "Bash", map[string]any{"command": "git status"})
	if d.Outcome != OutcomeDenied || d.Interrupt {
		t.Fatalf("decision=%+v, want non-interrupting implicit deny", d)
	}
	if d.Message != "User denied this action." {
		t.Fatalf("message=%q", d.Message)
	}
}

func TestMissingPrompterIsConfigurationError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.Prompter = nil })
	d := f.med.Evaluate(context.Background(), "Bash", map[string]any{"command": "git status"})
	if d.Outcome != OutcomeDenied {
		t.Fatalf("outcome=%q, want denied", d.Outcome)
	}
	if !strings.Contains(d.Message, "approval handler") {
		t.Fatalf("message=%q", d.Message)
	}
}

func TestTrustedModeSkipsPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.Trusted = true })
	d := f.med.Evaluate(context.Background(), "Bash", map[string]any{"command": "git status"})
	if d.Outcome != OutcomeApproved {
		t.Fatalf("outcome=%q, want approved", d.Outcome)
	}
	if f.prompter.calls != 0 {
		t.Fatalf("trusted mode must not prompt")
	}
}

func TestRelativePathsAreVaultRelative(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.Trusted = true })
	d := f.med.Evaluate(context.Background(), "Bash", map[string]any{"command": "cat ./notes/file.md"})
	if d.Outcome != OutcomeApproved {
		t.Fatalf("outcome=%q (%s), want approved", d.Outcome, d.Message)
	}
}
