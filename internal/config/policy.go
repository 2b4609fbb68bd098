package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the YAML policy file: the command blocklist and additional
// write-only export roots. It is editable by hand, so loading tolerates a
// missing file and normalizes whitespace.
type Policy struct {
	// Blocklist holds regular expressions matched against Bash commands.
	// Patterns that fail to compile degrade to literal substring matches.
	Blocklist []string `yaml:"blocklist"`

	// ExportRoots extends the config's write-only export destinations.
	ExportRoots []string `yaml:"export_roots"`
}

// DefaultPolicy is the built-in policy applied when no policy file is
// configured. The patterns target irreversible system-level commands.
func DefaultPolicy() *Policy {
	return &Policy{
		Blocklist: []string{
			`\brm\s+-rf\s+(?:--no-preserve-root\s+)?/\s*(?:$|[;&|])`,
			`\bmkfs(?:\.[a-z0-9_-]+)?\b`,
			`\bdd\b[^\n]*\bof=/dev/`,
			`:\(\)\s*\{\s*:\|:&\s*\};:`,
		},
	}
}

// LoadPolicy reads a policy file. An empty path or a missing file yields the
// built-in defaults.
func LoadPolicy(path string) (*Policy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPolicy(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return nil, err
	}

	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("invalid policy file: %w", err)
	}
	p.normalize()
	return &p, nil
}

func SavePolicy(path string, p *Policy) error {
	if p == nil {
		return errors.New("nil policy")
	}
	b, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Policy) normalize() {
	p.Blocklist = trimNonEmpty(p.Blocklist)
	p.ExportRoots = trimNonEmpty(p.ExportRoots)
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
