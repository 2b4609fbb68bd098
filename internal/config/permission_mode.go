package config

import (
	"fmt"
	"strings"
)

// PermissionMode controls how the mediator resolves calls that pass the
// blocklist and sandbox checks.
type PermissionMode string

const (
	// PermissionInteractive suspends unapproved calls on an interactive prompt.
	PermissionInteractive PermissionMode = "interactive"
	// PermissionTrusted pre-approves everything the policy layer lets through.
	PermissionTrusted PermissionMode = "trusted"
)

func ParsePermissionMode(mode string) (PermissionMode, error) {
	m := strings.ToLower(strings.TrimSpace(mode))
	m = strings.ReplaceAll(m, "-", "_")

	switch m {
	case "", "interactive":
		return PermissionInteractive, nil
	case "trusted":
		return PermissionTrusted, nil
	default:
		return "", fmt.Errorf("unknown permission mode: %q", mode)
	}
}

func (m PermissionMode) Trusted() bool {
	return m == PermissionTrusted
}
