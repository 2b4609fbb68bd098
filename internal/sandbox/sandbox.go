package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox answers path-containment questions for a single mediation session.
//
// The vault root and export roots are canonicalized once at construction and held
// for the lifetime of the sandbox. Symlink changes under an already-running agent
// session are intentionally not re-observed; re-resolving per call would make
// containment decisions racy against concurrent filesystem edits.
type Sandbox struct {
	vaultRoot   string
	exportRoots []string
}

// New resolves vaultRoot and every export root to canonical absolute paths.
// Export roots that cannot be interpreted at all are dropped; the vault root is
// mandatory.
func New(vaultRoot string, exportRoots []string) (*Sandbox, error) {
	vaultRoot = strings.TrimSpace(vaultRoot)
	if vaultRoot == "" {
		return nil, errors.New("missing vault root")
	}
	vault := ResolveReal(expandHome(vaultRoot))
	if vault == "" {
		return nil, errors.New("vault root did not resolve")
	}

	exports := make([]string, 0, len(exportRoots))
	for _, root := range exportRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if resolved := ResolveReal(expandHome(root)); resolved != "" {
			exports = append(exports, resolved)
		}
	}
	return &Sandbox{vaultRoot: vault, exportRoots: exports}, nil
}

// VaultRoot returns the canonical vault root.
func (s *Sandbox) VaultRoot() string {
	if s == nil {
		return ""
	}
	return s.vaultRoot
}

// ExportRoots returns the canonical export roots (write-only destinations).
func (s *Sandbox) ExportRoots() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.exportRoots))
	copy(out, s.exportRoots)
	return out
}

// WithinVault reports whether candidate resolves to the vault root or a descendant
// of it. Relative candidates are resolved against the vault root: every relative
// tool operation is vault-relative by default.
func (s *Sandbox) WithinVault(candidate string) bool {
	if s == nil {
		return false
	}
	resolved, ok := s.resolveCandidate(candidate)
	if !ok {
		return false
	}
	return isContained(resolved, s.vaultRoot)
}

// WithinExport reports whether candidate resolves into any configured export root.
// An empty export set always answers false. Export containment says nothing about
// vault containment; the mediator enforces the write-only policy on top of it.
func (s *Sandbox) WithinExport(candidate string) bool {
	if s == nil || len(s.exportRoots) == 0 {
		return false
	}
	resolved, ok := s.resolveCandidate(candidate)
	if !ok {
		return false
	}
	for _, root := range s.exportRoots {
		if isContained(resolved, root) {
			return true
		}
	}
	return false
}

func (s *Sandbox) resolveCandidate(candidate string) (string, bool) {
	candidate = expandHome(strings.TrimSpace(candidate))
	if candidate == "" {
		return "", false
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.vaultRoot, candidate)
	}
	return ResolveReal(candidate), true
}

// isContained is a canonical-equality check, not a prefix string comparison:
// /vault-evil must not satisfy containment in /vault.
func isContained(path string, root string) bool {
	if path == "" || root == "" {
		return false
	}
	if path == root {
		return true
	}
	if root == string(os.PathSeparator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(os.PathSeparator))
}
