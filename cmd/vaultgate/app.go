package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/vaultgate/internal/agent"
	"github.com/floegence/vaultgate/internal/approval"
	"github.com/floegence/vaultgate/internal/auditlog"
	"github.com/floegence/vaultgate/internal/cmdpolicy"
	"github.com/floegence/vaultgate/internal/config"
	"github.com/floegence/vaultgate/internal/lockfile"
	"github.com/floegence/vaultgate/internal/mediator"
	"github.com/floegence/vaultgate/internal/runtime"
	"github.com/floegence/vaultgate/internal/sandbox"
	"github.com/floegence/vaultgate/internal/session"
	"github.com/floegence/vaultgate/internal/stream"
	"github.com/floegence/vaultgate/internal/tools"
)

const systemPrompt = `You are a vault assistant. You operate on the user's note vault through the
provided tools. All relative paths are vault-relative. Stay inside the vault;
export folders accept writes only.`

type app struct {
	log     *slog.Logger
	service *agent.Service

	lock       *lockfile.Lock
	transcript *session.Transcript
	grants     *approval.SQLiteGrants
}

func buildApp(cfg *config.Config) (*app, error) {
	if cfg.Provider == nil {
		return nil, errors.New("config has no provider")
	}
	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	stateDir := cfg.ResolvedStateDir()

	lock, err := lockfile.AcquireDir(stateDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("another vaultgate instance is using %s", stateDir)
		}
		return nil, err
	}

	a := &app{log: logger, lock: lock}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	exports := append(append([]string{}, cfg.ExportRoots...), policy.ExportRoots...)
	sb, err := sandbox.New(cfg.VaultRoot, exports)
	if err != nil {
		return nil, err
	}

	a.grants, err = approval.OpenSQLite(filepath.Join(stateDir, "approvals.db"))
	if err != nil {
		return nil, err
	}
	approvals, err := approval.NewStore(context.Background(), approval.Options{Logger: logger, Persist: a.grants})
	if err != nil {
		return nil, err
	}
	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		return nil, err
	}

	mode, err := config.ParsePermissionMode(cfg.PermissionMode)
	if err != nil {
		return nil, err
	}
	med, err := mediator.New(mediator.Options{
		Logger:    logger,
		Sandbox:   sb,
		Blocklist: cmdpolicy.NewBlocklist(policy.Blocklist, logger),
		Approvals: approvals,
		Audit:     audit,
		Prompter:  newTerminalPrompter(os.Stdin, os.Stderr),
		Trusted:   mode.Trusted(),
	})
	if err != nil {
		return nil, err
	}

	executor, err := tools.NewExecutor(cfg.VaultRoot, logger)
	if err != nil {
		return nil, err
	}
	rt, err := buildRuntime(cfg.Provider, executor, logger)
	if err != nil {
		return nil, err
	}

	a.transcript, err = session.OpenTranscript(filepath.Join(stateDir, "transcript.db"))
	if err != nil {
		return nil, err
	}

	a.service, err = agent.New(agent.Options{
		Logger:            logger,
		Runtime:           rt,
		Mediator:          med,
		Transcript:        a.transcript,
		PermissionMode:    string(mode),
		MaxThinkingTokens: cfg.MaxThinkingTokens,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func buildRuntime(p *config.Provider, executor *tools.Executor, logger *slog.Logger) (runtime.Runtime, error) {
	switch strings.TrimSpace(strings.ToLower(p.Type)) {
	case "anthropic":
		return runtime.NewAnthropic(runtime.AnthropicOptions{
			Logger:          logger,
			APIKey:          p.APIKey(),
			BaseURL:         p.BaseURL,
			Model:           p.Model,
			MaxOutputTokens: p.MaxOutputTokens,
			SystemPrompt:    systemPrompt,
			Tools:           tools.Definitions(),
			Executor:        executor,
		})
	case "openai":
		return runtime.NewOpenAI(runtime.OpenAIOptions{
			Logger:          logger,
			APIKey:          p.APIKey(),
			BaseURL:         p.BaseURL,
			Model:           p.Model,
			MaxOutputTokens: p.MaxOutputTokens,
			Instructions:    systemPrompt,
			Tools:           tools.Definitions(),
			Executor:        executor,
		})
	default:
		return nil, fmt.Errorf("unknown provider type: %q", p.Type)
	}
}

func (a *app) Close() {
	if a == nil {
		return
	}
	if a.transcript != nil {
		_ = a.transcript.Close()
	}
	if a.grants != nil {
		_ = a.grants.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
}

func (a *app) runOnce(ctx context.Context, prompt string) error {
	err := a.service.Query(ctx, prompt, nil, renderChunk)
	if err != nil {
		a.log.Error("query failed", "error", err)
	}
	return err
}

func (a *app) runInteractive(ctx context.Context) {
	fmt.Println("vaultgate interactive session. Empty line or /quit to exit, /reset to start over.")
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "", "/quit", "/exit":
			return
		case "/reset":
			if err := a.service.Reset(ctx); err != nil {
				a.log.Warn("reset failed", "error", err)
			}
			fmt.Println("Conversation reset.")
			continue
		}
		if err := a.service.Query(ctx, line, nil, renderChunk); err != nil && ctx.Err() != nil {
			return
		}
	}
}

func renderChunk(c stream.Chunk) {
	switch c.Kind {
	case stream.ChunkText:
		fmt.Print(c.Text)
	case stream.ChunkThinking:
		// Thinking stays quiet; flip to print when debugging reasoning.
	case stream.ChunkToolUse:
		fmt.Printf("\n[%s %s]\n", c.ToolName, compactInput(c.ToolInput))
	case stream.ChunkToolResult:
		if c.IsError {
			fmt.Printf("[tool error] %s\n", firstLine(c.Content))
		}
	case stream.ChunkBlocked:
		fmt.Printf("\n[blocked] %s\n", c.Text)
	case stream.ChunkError:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", c.Text)
	case stream.ChunkDone:
		fmt.Println()
	}
}

func compactInput(input map[string]any) string {
	for _, key := range []string{"command", "file_path", "notebook_path", "pattern", "path"} {
		if s, ok := input[key].(string); ok && strings.TrimSpace(s) != "" {
			return firstLine(s)
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.TrimSpace(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
