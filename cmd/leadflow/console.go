package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"leadflow/internal/adapter/tui/console"
	"leadflow/internal/infra/config"
	"leadflow/internal/infra/logger"
	"leadflow/internal/infra/tracer"
)

// runConsole starts the local dev console against the real engine, store and
// providers. Gateway, sweeps and notifications stay off; the console is for
// exercising prompts and flows, not for serving traffic.
func runConsole() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := consoleLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	rt, cleanup, err := buildRuntime(ctx, cfg, log, consoleOptions())
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

	return console.Run(ctx, console.Deps{
		Engine: rt.Engine,
		Leads:  rt.Store,
		Bus:    rt.Bus,
		Logger: log,
	})
}

// consoleLogger builds the console's logger. Terminal outputs are swapped
// for a discard handler since stdout and stderr belong to the TUI; a file
// output is honored.
func consoleLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	switch cfg.Logger.Output {
	case "", "stdout", "stderr":
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() error { return nil }, nil
	}
	log, closer, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return log, closer, nil
}
