package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/vaultgate/internal/approval"
	"github.com/floegence/vaultgate/internal/auditlog"
	"github.com/floegence/vaultgate/internal/cmdpolicy"
	"github.com/floegence/vaultgate/internal/sandbox"
)

// Outcome is the terminal state of one mediated tool call.
type Outcome string

const (
	// OutcomeApproved lets the call proceed.
	OutcomeApproved Outcome = "approved"
	// OutcomeBlocked is a policy rejection (blocklist or sandbox); it is never
	// escalated to the user and never retried.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeDenied is a user or configuration rejection.
	OutcomeDenied Outcome = "denied"
)

// Decision is the result of evaluating one proposed tool call.
type Decision struct {
	Outcome Outcome
	// Message is the human-readable diagnostic. Its key substrings ("outside the
	// vault", "write-only", "blocked by blocklist") are part of the contract
	// callers and tests rely on.
	Message string
	// Pattern is the blocklist pattern that matched, when Rule is "blocklist".
	Pattern string
	// Interrupt asks the caller to abort the in-flight agent turn (the approval
	// flow itself failed, not just this one call).
	Interrupt bool
}

// PromptDecision is the interactive collaborator's answer.
type PromptDecision string

const (
	PromptAllow       PromptDecision = "allow"
	PromptAllowAlways PromptDecision = "allow-always"
	PromptDeny        PromptDecision = "deny"
)

// PromptRequest carries what the approval UI needs to render a question.
type PromptRequest struct {
	Tool    string
	Input   map[string]any
	Context string
}

// Prompter is the external interactive-approval collaborator. Prompt blocks
// until the user decides or ctx is cancelled; cancellation resolves the pending
// call as an implicit deny.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (PromptDecision, error)
}

// EditTracker is told when a pending edit-class call was rejected so speculative
// edit state can be rolled back.
type EditTracker interface {
	EditCancelled(tool string, input map[string]any)
}

type Options struct {
	Logger    *slog.Logger
	Sandbox   *sandbox.Sandbox
	Blocklist *cmdpolicy.Blocklist
	Approvals *approval.Store
	Audit     *auditlog.Store

	Prompter    Prompter
	EditTracker EditTracker

	// Trusted pre-approves every call that passes blocklist and sandbox checks
	// (the low-friction permission mode).
	Trusted bool
}

// Mediator evaluates every proposed tool invocation before execution.
//
// One Mediator belongs to one conversation; it owns that conversation's approval
// session state and is driven sequentially by the query pipeline.
type Mediator struct {
	log       *slog.Logger
	sandbox   *sandbox.Sandbox
	blocklist *cmdpolicy.Blocklist
	approvals *approval.Store
	audit     *auditlog.Store

	prompter    Prompter
	editTracker EditTracker
	trusted     bool
}

func New(opts Options) (*Mediator, error) {
	if opts.Sandbox == nil {
		return nil, errors.New("missing sandbox")
	}
	if opts.Approvals == nil {
		return nil, errors.New("missing approval store")
	}
	return &Mediator{
		log:         opts.Logger,
		sandbox:     opts.Sandbox,
		blocklist:   opts.Blocklist,
		approvals:   opts.Approvals,
		audit:       opts.Audit,
		prompter:    opts.Prompter,
		editTracker: opts.EditTracker,
		trusted:     opts.Trusted,
	}, nil
}

// ClearSession drops session-scoped approval grants (conversation reset).
func (m *Mediator) ClearSession() {
	if m == nil {
		return
	}
	m.approvals.ClearSession()
}

// Evaluate runs the fixed-order decision chain for one proposed tool call:
// blocklist, then path containment, then prior approvals, then permission mode,
// then the interactive prompt.
func (m *Mediator) Evaluate(ctx context.Context, tool string, input map[string]any) Decision {
	if m == nil {
		return Decision{Outcome: OutcomeDenied, Message: "Mediator not configured."}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tool = strings.TrimSpace(tool)
	d := m.evaluate(ctx, tool, input)
	m.logDecision(tool, input, d)
	return d
}

func (m *Mediator) evaluate(ctx context.Context, tool string, input map[string]any) Decision {
	command := stringArg(input, "command")

	// 1. Blocklist (shell tools only), before any path analysis.
	if tool == "Bash" && m.blocklist != nil {
		if pattern, blocked := m.blocklist.Match(command); blocked {
			m.record(auditlog.Entry{Tool: tool, Decision: "blocked", Rule: "blocklist", Pattern: pattern, Command: truncate(command, 200)})
			return Decision{
				Outcome: OutcomeBlocked,
				Message: fmt.Sprintf("Command blocked by blocklist pattern %q.", pattern),
				Pattern: pattern,
			}
		}
	}

	// 2. Path containment.
	if isPathTool(tool) {
		if d, violated := m.checkContainment(tool, input, command); violated {
			return d
		}
	}

	// 3. Prior approvals.
	pattern, kind := approvalPattern(tool, input)
	if pattern != "" && m.approvals.IsApproved(tool, pattern, kind) {
		m.record(auditlog.Entry{Tool: tool, Decision: "approved", Rule: "prior_grant", Pattern: pattern})
		return Decision{Outcome: OutcomeApproved}
	}

	// 4. Low-friction permission mode.
	if m.trusted {
		m.record(auditlog.Entry{Tool: tool, Decision: "approved", Rule: "trusted_mode"})
		return Decision{Outcome: OutcomeApproved}
	}

	// 5. Interactive approval.
	return m.promptUser(ctx, tool, input, pattern)
}

func (m *Mediator) promptUser(ctx context.Context, tool string, input map[string]any, pattern string) Decision {
	if m.prompter == nil {
		m.record(auditlog.Entry{Tool: tool, Decision: "denied", Rule: "no_handler"})
		return Decision{Outcome: OutcomeDenied, Message: "No approval handler is registered; interactive approval is unavailable."}
	}

	decision, err := m.prompter.Prompt(ctx, PromptRequest{Tool: tool, Input: input, Context: pattern})
	if err != nil {
		m.notifyEditCancelled(tool, input)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Cancellation during the suspension resolves as an implicit deny.
			m.record(auditlog.Entry{Tool: tool, Decision: "denied", Rule: "user"})
			return Decision{Outcome: OutcomeDenied, Message: "User denied this action."}
		}
		m.record(auditlog.Entry{Tool: tool, Decision: "denied", Rule: "prompt_failed"})
		return Decision{Outcome: OutcomeDenied, Message: "Approval request failed.", Interrupt: true}
	}

	switch decision {
	case PromptAllow:
		if pattern != "" {
			if err := m.approvals.Approve(ctx, tool, pattern, approval.ScopeSession); err != nil && m.log != nil {
				m.log.Warn("recording session grant failed", "tool", tool, "error", err)
			}
		}
		m.record(auditlog.Entry{Tool: tool, Decision: "approved", Rule: "user", Pattern: pattern})
		return Decision{Outcome: OutcomeApproved}
	case PromptAllowAlways:
		if pattern != "" {
			if err := m.approvals.Approve(ctx, tool, pattern, approval.ScopeAlways); err != nil && m.log != nil {
				m.log.Warn("persisting permanent grant failed", "tool", tool, "error", err)
			}
		}
		m.record(auditlog.Entry{Tool: tool, Decision: "approved", Rule: "user_always", Pattern: pattern})
		return Decision{Outcome: OutcomeApproved}
	default:
		m.notifyEditCancelled(tool, input)
		m.record(auditlog.Entry{Tool: tool, Decision: "denied", Rule: "user"})
		return Decision{Outcome: OutcomeDenied, Message: "User denied this action."}
	}
}

func (m *Mediator) notifyEditCancelled(tool string, input map[string]any) {
	if m.editTracker == nil || !isEditTool(tool) {
		return
	}
	m.editTracker.EditCancelled(tool, input)
}

func (m *Mediator) record(e auditlog.Entry) {
	if m.audit == nil {
		return
	}
	m.audit.Append(e)
}

func (m *Mediator) logDecision(tool string, input map[string]any, d Decision) {
	if m.log == nil {
		return
	}
	m.log.Debug("tool call mediated",
		"tool", tool,
		"outcome", string(d.Outcome),
		"message", d.Message,
		"args", redactArgsForLog(tool, input),
	)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
