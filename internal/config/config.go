package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for vaultgate.
//
// Secrets (provider API keys) never live here; providers name the environment
// variable that carries the key instead.
type Config struct {
	// VaultRoot is the directory the agent is sandboxed to.
	VaultRoot string `json:"vault_root"`

	// ExportRoots are write-only destinations outside the vault.
	ExportRoots []string `json:"export_roots,omitempty"`

	// PolicyPath points at the YAML policy file (blocklist, extra export roots).
	// Empty means no policy file; built-in defaults apply.
	PolicyPath string `json:"policy_path,omitempty"`

	// StateDir holds grants, transcript and audit data. Defaults to ~/.vaultgate.
	StateDir string `json:"state_dir,omitempty"`

	// PermissionMode is "interactive" (default) or "trusted".
	PermissionMode string `json:"permission_mode,omitempty"`

	Provider *Provider `json:"provider,omitempty"`

	// MaxThinkingTokens enables extended thinking when >= 1024.
	MaxThinkingTokens int `json:"max_thinking_tokens,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// Provider selects and configures the model backend.
type Provider struct {
	// Type is "anthropic" or "openai".
	Type  string `json:"type"`
	Model string `json:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to ANTHROPIC_API_KEY / OPENAI_API_KEY per type.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.VaultRoot) == "" {
		return errors.New("missing vault_root")
	}
	if _, err := ParsePermissionMode(c.PermissionMode); err != nil {
		return err
	}
	if c.Provider != nil {
		if err := c.Provider.Validate(); err != nil {
			return fmt.Errorf("invalid provider: %w", err)
		}
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

func (p *Provider) Validate() error {
	if p == nil {
		return nil
	}
	switch strings.TrimSpace(strings.ToLower(p.Type)) {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown type: %q", p.Type)
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("missing model")
	}
	return nil
}

// APIKey resolves the provider API key from the environment.
func (p *Provider) APIKey() string {
	if p == nil {
		return ""
	}
	env := strings.TrimSpace(p.APIKeyEnv)
	if env == "" {
		switch strings.TrimSpace(strings.ToLower(p.Type)) {
		case "anthropic":
			env = "ANTHROPIC_API_KEY"
		case "openai":
			env = "OPENAI_API_KEY"
		default:
			return ""
		}
	}
	return strings.TrimSpace(os.Getenv(env))
}

// ResolvedStateDir returns StateDir, defaulting to ~/.vaultgate.
func (c *Config) ResolvedStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return strings.TrimSpace(c.StateDir)
	}
	return DefaultStateDir()
}

// DefaultStateDir returns ~/.vaultgate (falling back to a relative directory
// when the home directory is unavailable).
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".vaultgate"
	}
	return filepath.Join(home, ".vaultgate")
}

// DefaultConfigPath returns the default config path:
//
//	~/.vaultgate/config.json
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
