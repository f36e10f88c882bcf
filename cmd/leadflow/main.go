package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"leadflow/internal/infra/config"
	"leadflow/internal/infra/logger"
	"leadflow/internal/infra/tracer"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "console":
		if err := runConsole(); err != nil {
			fmt.Fprintf(os.Stderr, "console: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "rotate-key":
		if err := runRotateKey(); err != nil {
			fmt.Fprintf(os.Stderr, "rotate-key: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'leadflow --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`leadflow - Conversational lead qualification for real estate brokers

USAGE:
    leadflow [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the qualification service: gateway, agents, sweeps
    console     Chat with the agents locally against the real engine
    doctor      Run health checks on your setup
    rotate-key  Re-encrypt stored lead PII under a new passphrase

    (no command) - Same as 'serve'

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: LEADFLOW_* variables override config
    Secrets:     LEADFLOW_ENCRYPTION_KEY     PII encryption passphrase
                 LEADFLOW_CONFIG_KEY         decrypts enc: config values
                 LEADFLOW_ENCRYPTION_KEY_NEW new passphrase for rotate-key

EXAMPLES:
    leadflow                         # Serve with ./config.yaml
    leadflow --config /etc/leadflow/config.yaml
    leadflow console                 # Exercise prompts before brokers do
    leadflow doctor                  # Check config, store and providers`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("LEADFLOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runServe() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Runtime: security, store, providers, agents, gateway
	rt, cleanup, err := buildRuntime(ctx, cfg, log, serveOptions())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	// 4. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Background sweeps
	if rt.Scheduler != nil {
		if err := rt.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// 6. Serve
	log.Info("leadflow starting",
		"version", version,
		"broker", cfg.Broker.Name,
		"providers", rt.Registry.List(),
		"primary", cfg.LLM.DefaultProvider,
		"encryption", rt.Security.Encryptor != nil,
		"scheduler", rt.Scheduler != nil,
	)

	if rt.Gateway == nil {
		// Sweeps-only deployment; park until signalled.
		<-ctx.Done()
		return nil
	}
	return rt.Gateway.Start(ctx)
}
