package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveReal canonicalizes p to its real filesystem location, following symlinks.
//
// Paths the agent is about to create do not exist yet, so a missing leaf (or any
// missing suffix) is tolerated: the nearest existing ancestor is resolved and the
// non-existent suffix components are re-appended verbatim. The function never fails;
// when nothing along the path exists it falls back to a cleaned absolute form
// without symlink resolution.
func ResolveReal(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)

	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}

	// Walk up to the nearest existing ancestor, collecting the missing suffix.
	var suffix []string
	cur := p
	for {
		parent := filepath.Dir(cur)
		if parent == cur {
			// Hit the filesystem root without finding anything resolvable.
			return p
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved
		}
	}
}

// expandHome rewrites a leading ~/ (or bare ~) to the user home directory.
// Unexpandable input is returned unchanged.
func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~/"))
}
