package approval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Scope says how long a grant lives.
type Scope string

const (
	// ScopeSession grants are cleared when the conversation session resets.
	ScopeSession Scope = "session"
	// ScopeAlways grants are persisted and survive restarts.
	ScopeAlways Scope = "always"
)

// MatchKind selects how a stored pattern is compared against a candidate.
//
// Directory-scoped approval is useful for file paths, so those match by prefix.
// A grant for an exact shell command or search pattern must never silently cover
// a different one, so those match exactly.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
)

// Grant is one recorded approval decision.
type Grant struct {
	Tool             string `json:"tool"`
	Pattern          string `json:"pattern"`
	Scope            Scope  `json:"scope"`
	ApprovedAtUnixMs int64  `json:"approved_at_unix_ms"`
}

// Persister stores permanent grants. Implemented by the SQLite store; tests use
// in-memory fakes.
type Persister interface {
	Append(ctx context.Context, g Grant) error
	List(ctx context.Context) ([]Grant, error)
}

type Options struct {
	Logger  *slog.Logger
	Persist Persister // optional; without it ScopeAlways grants live only in memory
}

// Store answers "was this action already approved?" for one conversation.
//
// One Store instance belongs to one mediator/conversation; there is no process-wide
// sharing. The union of the session list and the permanent list defines "approved".
type Store struct {
	log     *slog.Logger
	persist Persister

	mu        sync.Mutex
	session   []Grant
	permanent []Grant
}

func NewStore(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{log: opts.Logger, persist: opts.Persist}
	if s.persist != nil {
		grants, err := s.persist.List(ctx)
		if err != nil {
			return nil, err
		}
		s.permanent = grants
	}
	return s, nil
}

// IsApproved checks candidate against both the session and permanent lists.
func (s *Store) IsApproved(tool string, candidate string, kind MatchKind) bool {
	if s == nil {
		return false
	}
	tool = strings.TrimSpace(tool)
	candidate = strings.TrimSpace(candidate)
	if tool == "" || candidate == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return matchAny(s.session, tool, candidate, kind) || matchAny(s.permanent, tool, candidate, kind)
}

func matchAny(grants []Grant, tool string, candidate string, kind MatchKind) bool {
	for _, g := range grants {
		if g.Tool != tool {
			continue
		}
		if g.Pattern == candidate {
			return true
		}
		if kind == MatchPrefix && strings.HasPrefix(candidate, g.Pattern) {
			return true
		}
	}
	return false
}

// Approve records a grant. ScopeAlways grants are also appended to the persister
// as an explicit side effect; a persistence failure is returned but the in-memory
// grant is kept so the current session is not re-prompted.
func (s *Store) Approve(ctx context.Context, tool string, pattern string, scope Scope) error {
	if s == nil {
		return errors.New("nil approval store")
	}
	tool = strings.TrimSpace(tool)
	pattern = strings.TrimSpace(pattern)
	if tool == "" || pattern == "" {
		return errors.New("missing tool or pattern")
	}
	g := Grant{Tool: tool, Pattern: pattern, Scope: scope, ApprovedAtUnixMs: time.Now().UnixMilli()}

	s.mu.Lock()
	if scope == ScopeAlways {
		s.permanent = append(s.permanent, g)
	} else {
		s.session = append(s.session, g)
	}
	s.mu.Unlock()

	if scope == ScopeAlways && s.persist != nil {
		if err := s.persist.Append(ctx, g); err != nil {
			if s.log != nil {
				s.log.Warn("persisting approval grant failed", "tool", tool, "error", err)
			}
			return err
		}
	}
	return nil
}

// ClearSession empties the session list only. Permanent grants are untouched;
// removing those is the owning CLI's job, never an automatic one.
func (s *Store) ClearSession() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}

// SessionGrants returns a copy of the session-scoped grants.
func (s *Store) SessionGrants() []Grant {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Grant(nil), s.session...)
}

// PermanentGrants returns a copy of the permanent grants.
func (s *Store) PermanentGrants() []Grant {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Grant(nil), s.permanent...)
}
