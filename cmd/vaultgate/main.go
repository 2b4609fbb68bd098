package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/vaultgate/internal/approval"
	"github.com/floegence/vaultgate/internal/auditlog"
	"github.com/floegence/vaultgate/internal/config"
	"github.com/floegence/vaultgate/internal/monitor"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "approvals":
		approvalsCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "version":
		fmt.Printf("vaultgate %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `vaultgate

Usage:
  vaultgate init [flags]
  vaultgate run [flags]
  vaultgate approvals [list|revoke] [flags]
  vaultgate audit [flags]
  vaultgate status [flags]
  vaultgate version

Commands:
  init        Write the config file.
  run         Start an agent conversation over the vault.
  approvals   Inspect or revoke permanent approval grants.
  audit       Show recent mediation decisions.
  status      Print a host snapshot.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	vault := fs.String("vault", "", "Vault root directory (required)")
	exports := fs.String("exports", "", "Comma-separated write-only export directories")
	policyPath := fs.String("policy", "", "YAML policy file path")
	stateDir := fs.String("state-dir", "", "State directory (default: ~/.vaultgate)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	permissionMode := fs.String("permission-mode", "interactive", "Permission mode: interactive|trusted")
	providerType := fs.String("provider", "anthropic", "Model provider: anthropic|openai")
	model := fs.String("model", "", "Model name (required)")
	baseURL := fs.String("base-url", "", "Provider endpoint override")
	maxThinking := fs.Int("max-thinking-tokens", 0, "Extended thinking budget (0: disabled)")

	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if strings.TrimSpace(*vault) == "" || strings.TrimSpace(*model) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		VaultRoot:      *vault,
		ExportRoots:    splitList(*exports),
		PolicyPath:     *policyPath,
		StateDir:       *stateDir,
		PermissionMode: *permissionMode,
		Provider: &config.Provider{
			Type:    *providerType,
			Model:   *model,
			BaseURL: *baseURL,
		},
		MaxThinkingTokens: *maxThinking,
		LogFormat:         *logFormat,
		LogLevel:          *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	prompt := fs.String("p", "", "One-shot prompt (omit for interactive mode)")
	trusted := fs.Bool("trusted", false, "Override permission mode to trusted for this run")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *trusted {
		cfg.PermissionMode = string(config.PermissionTrusted)
	}

	app, err := buildApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First SIGINT cancels the in-flight query, second one exits.
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		app.service.Cancel()
		<-stop
		cancel()
		os.Exit(130)
	}()

	if strings.TrimSpace(*prompt) != "" {
		if err := app.runOnce(ctx, *prompt); err != nil {
			os.Exit(1)
		}
		return
	}
	app.runInteractive(ctx)
}

func approvalsCmd(args []string) {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("approvals", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	tool := fs.String("tool", "", "Tool of the grant to revoke")
	pattern := fs.String("pattern", "", "Pattern of the grant to revoke")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	grants, err := approval.OpenSQLite(filepath.Join(cfg.ResolvedStateDir(), "approvals.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open approvals: %v\n", err)
		os.Exit(1)
	}
	defer grants.Close()

	ctx := context.Background()
	switch sub {
	case "list":
		rows, err := grants.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			fmt.Println("No permanent grants.")
			return
		}
		for _, g := range rows {
			approvedAt := time.UnixMilli(g.ApprovedAtUnixMs).UTC().Format(time.RFC3339)
			fmt.Printf("%-20s %-14s %s\n", approvedAt, g.Tool, g.Pattern)
		}
	case "revoke":
		if strings.TrimSpace(*tool) == "" || strings.TrimSpace(*pattern) == "" {
			fmt.Fprintln(os.Stderr, "missing -tool or -pattern")
			os.Exit(2)
		}
		n, err := grants.Remove(ctx, *tool, *pattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "revoke failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Revoked %d grant(s).\n", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown approvals subcommand: %s\n", sub)
		os.Exit(2)
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("n", 50, "Number of entries to show")
	asJSON := fs.Bool("json", false, "Emit JSON lines")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	store, err := auditlog.New(auditlog.Options{StateDir: cfg.ResolvedStateDir()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	entries, err := store.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit read failed: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if *asJSON {
			b, _ := json.Marshal(e)
			fmt.Println(string(b))
			continue
		}
		detail := e.Pattern
		if detail == "" && len(e.Paths) > 0 {
			detail = strings.Join(e.Paths, ", ")
		}
		if detail == "" {
			detail = e.Command
		}
		fmt.Printf("%-28s %-10s %-14s %-12s %s\n", e.CreatedAt, e.Decision, e.Tool, e.Rule, detail)
	}
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Emit JSON")
	_ = fs.Parse(args)

	snap := monitor.NewService(nil).Snapshot(context.Background())
	if *asJSON {
		b, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("Platform:  %s (%d cores)\n", snap.Platform, snap.CPUCores)
	fmt.Printf("CPU:       %.1f%%\n", snap.CPUUsage)
	if len(snap.LoadAverage) == 3 {
		fmt.Printf("Load:      %.2f %.2f %.2f\n", snap.LoadAverage[0], snap.LoadAverage[1], snap.LoadAverage[2])
	}
	fmt.Printf("Memory:    %.1f%% (%s of %s)\n", snap.MemoryPercent, formatBytes(snap.MemoryUsedBytes), formatBytes(snap.MemoryTotalBytes))
	fmt.Printf("Network:   rx %s, tx %s\n", formatBytes(snap.NetworkBytesReceived), formatBytes(snap.NetworkBytesSent))
	if len(snap.Processes) > 0 {
		fmt.Println("Top processes:")
		for _, p := range snap.Processes {
			fmt.Printf("  %-8d %-24s %5.1f%% %10s %s\n", p.PID, p.Name, p.CPUPercent, formatBytes(p.MemoryBytes), p.Username)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
