package cmdpolicy

import (
	"log/slog"
	"regexp"
	"strings"
)

// Blocklist evaluates commands against configured deny patterns.
//
// Each pattern is compiled as a regular expression; patterns that fail to compile
// degrade to case-sensitive literal substring matching instead of being rejected.
// The degradation is surfaced once at construction so misconfigured patterns do
// not fail silently.
type Blocklist struct {
	entries []blocklistEntry
}

type blocklistEntry struct {
	raw string
	re  *regexp.Regexp // nil: literal substring match
}

func NewBlocklist(patterns []string, log *slog.Logger) *Blocklist {
	b := &Blocklist{}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			re = nil
			if log != nil {
				log.Warn("blocklist pattern is not a valid regexp, matching as literal substring", "pattern", raw, "error", err)
			}
		}
		b.entries = append(b.entries, blocklistEntry{raw: raw, re: re})
	}
	return b
}

// Match returns the first pattern that matches command. First match wins; the
// matched pattern feeds the diagnostic message shown to the user.
func (b *Blocklist) Match(command string) (pattern string, blocked bool) {
	if b == nil || command == "" {
		return "", false
	}
	for _, entry := range b.entries {
		if entry.re != nil {
			if entry.re.MatchString(command) {
				return entry.raw, true
			}
			continue
		}
		if strings.Contains(command, entry.raw) {
			return entry.raw, true
		}
	}
	return "", false
}

// Len reports the number of configured patterns.
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}
