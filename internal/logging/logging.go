package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// New builds the process logger. Without debug, logs are discarded so the
// CLI output stays clean. With debug and no file, logs go to stderr.
func New(debug bool, file string) (*slog.Logger, error) {
	if os.Getenv("KENDRA_DEBUG") == "1" {
		debug = true
	}
	if !debug {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), nil
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if file == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, opts)), nil
}

// Or returns l, or slog.Default when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// TokenPrefix shortens a bearer token for log lines.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
