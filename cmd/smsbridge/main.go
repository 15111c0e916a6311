package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mattjoyce/smsbridge/internal/api"
	"github.com/mattjoyce/smsbridge/internal/bridge"
	"github.com/mattjoyce/smsbridge/internal/config"
	"github.com/mattjoyce/smsbridge/internal/delivery"
	"github.com/mattjoyce/smsbridge/internal/doctor"
	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/lock"
	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/queue"
	"github.com/mattjoyce/smsbridge/internal/storage"
	"github.com/mattjoyce/smsbridge/internal/store"
	"github.com/mattjoyce/smsbridge/internal/supervisor"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(rest) {
			printStartHelp()
			return 0
		}
		return runStart(rest)
	case "reset":
		if hasHelpFlag(rest) {
			printResetHelp()
			return 0
		}
		return runReset(rest)
	case "config":
		return runConfigNoun(rest)
	case "version":
		return runVersion(rest)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `smsbridge - host for an external SMS/MMS bridge process

Usage:
  smsbridge <command> [flags]

Commands:
  start           Run the bridge service in the foreground
  reset           Stop the bridge and delete its database, logs and cache
  config check    Validate configuration and the bridge install
  version         Show version information
  help            Show this help message

Use 'smsbridge <command> --help' for command flags.
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: smsbridge config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printStartHelp() {
	fmt.Println("Usage: smsbridge start [--config PATH]")
	fmt.Println("Run the bridge service in the foreground.")
}

func printResetHelp() {
	fmt.Println("Usage: smsbridge reset [--config PATH]")
	fmt.Println("Stop the bridge process and delete its database, log directory and cache.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: smsbridge config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration and the bridge install.")
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
			"go":         runtime.Version(),
		}, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("smsbridge version %s (%s, built %s)\n", version, commit, buildDate)
	return 0
}

func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	return cfg, configPath, err
}

// bridgeConfig maps host config onto the bridge service settings.
func bridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{
		Supervisor: supervisor.Options{
			NativeLibDir:  cfg.Bridge.NativeLibDir,
			Executable:    cfg.Bridge.Executable,
			CacheDir:      cfg.Bridge.CacheDir,
			ConfigLocator: supervisor.StaticConfig(cfg.Bridge.ConfigPath),
			StopGrace:     cfg.Bridge.StopGrace,
		},
		DefaultSMSApp:  cfg.Bridge.DefaultSMSApp,
		RequestTimeout: cfg.Bridge.RequestTimeout,
		Region:         cfg.Phone.DefaultRegion,
		Retry: queue.Options{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BackoffBase: cfg.Retry.BackoffBase,
		},
		PollInterval:    cfg.Retry.PollInterval,
		LedgerRetention: cfg.State.LedgerRetention,
		PruneInterval:   cfg.State.PruneInterval,
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("smsbridge starting", "version", version, "config", path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hub := events.NewHub(256)
	messages := store.NewMemoryStore()
	sender := store.NewLoopback(messages, log.WithComponent("loopback"))

	svc := bridge.New(bridgeConfig(cfg), db, messages, sender, hub)
	messages.OnChange(func(uri string) {
		if err := svc.Notify(ctx, uri); err != nil {
			logger.Warn("failed to queue store change", "uri", uri, "error", err)
		}
	})
	sender.OnOutcome(func(ctx context.Context, o delivery.Outcome) {
		if err := svc.HandleOutcome(ctx, o); err != nil {
			logger.Warn("failed to report delivery outcome", "command_id", o.CommandID, "error", err)
		}
	})

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start bridge service", "error", err)
		return 1
	}

	errCh := make(chan error, 2)
	go func() {
		if err := svc.Wait(); err != nil {
			errCh <- fmt.Errorf("bridge: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, svc, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("smsbridge running (press Ctrl+C to stop)")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	if err := svc.Close(); err != nil {
		logger.Warn("bridge service shutdown reported errors", "error", err)
	}
	logger.Info("smsbridge stopped")
	return code
}

func runReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	// A running host owns the bridge; refuse rather than race it.
	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot reset: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	messages := store.NewMemoryStore()
	svc := bridge.New(bridgeConfig(cfg), db, messages, store.NewLoopback(messages, nil), nil)
	defer svc.Close()

	report, err := svc.SignOut(ctx)
	if report != nil {
		for _, p := range report.Removed {
			fmt.Printf("removed %s\n", p)
		}
		for p, reason := range report.Failed {
			fmt.Fprintf(os.Stderr, "failed to remove %s: %s\n", p, reason)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reset incomplete: %v\n", err)
		return 1
	}
	if report != nil && len(report.Failed) > 0 {
		return 1
	}
	fmt.Println("Bridge state reset.")
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}
