// Package logging constructs the shared slog logger. All forge components
// log through an injected *slog.Logger; the CLI wires one up pointing at
// <workdir>/logs/forge.log so failures stay inspectable after the session
// is gone.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New opens (or creates) logs/forge.log under workDir and returns a text
// slog logger at the given level, plus a close function for the file handle.
func New(workDir, level string) (*slog.Logger, func() error, error) {
	logDir := filepath.Join(workDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log directory %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, "forge.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // log path is deterministic
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler), f.Close, nil
}

// ParseLevel maps a config level string to a slog.Level. Unknown strings
// default to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. For tests and for
// components constructed before the work directory exists.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
