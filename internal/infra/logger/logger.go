package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"leadflow/internal/infra/config"
)

// New builds the process logger from config. The second return value
// closes the underlying file when logging to one; defer it next to the
// store and audit closers.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := sink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h), closeFn, nil
}

// level maps the config string onto a slog level, defaulting to info.
func level(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// sink opens the log destination. Anything that is not stdout or stderr is
// treated as a file path and opened for append.
func sink(target string) (io.Writer, func() error, error) {
	keep := func() error { return nil }

	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, keep, nil
	case "stderr", "":
		return os.Stderr, keep, nil
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
