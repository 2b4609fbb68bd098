// Package session tracks runtime session identity across queries and rebuilds
// conversational context when a stored session can no longer be resumed.
package session

import (
	"strings"
	"sync"
)

// Handle holds the current runtime session id for one conversation. It starts
// empty, is captured from the first stream init event, and is cleared when the
// runtime reports the session as unresumable.
type Handle struct {
	mu sync.Mutex
	id string
}

// Capture stores a session id reported by the runtime. Empty ids are ignored.
func (h *Handle) Capture(id string) {
	if h == nil {
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

// ID returns the current session id, or "" when no session is established.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Reset clears the handle so the next query starts a fresh session.
func (h *Handle) Reset() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.id = ""
	h.mu.Unlock()
}

// expirySignals are the failure phrases that mean the stored session id is no
// longer valid on the runtime side, as opposed to a transient or fatal error.
var expirySignals = []string{
	"session expired",
	"session not found",
	"invalid session",
	"resume failed",
}

// IsExpiryError reports whether err looks like a session-expiry failure.
// Matching is substring-based and case-insensitive.
func IsExpiryError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range expirySignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}
