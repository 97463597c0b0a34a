package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/invoice-intake-pipeline/internal/config"
)

// NewLogger creates the service logger: JSON on stdout, tagged with the application name and env
func NewLogger(cfg *config.Config) *slog.Logger {
	logger := New(os.Stdout, cfg.Logging.Level).With(
		"service", cfg.Application.Name,
		"env", cfg.Application.Env,
	)
	logger.Info("logger initialized", "level", ParseLevel(cfg.Logging.Level))
	return logger
}

// New builds a JSON logger writing to w at the given level name
func New(w io.Writer, levelName string) *slog.Logger {
	level := ParseLevel(levelName)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a config level name to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Discard returns a logger that drops everything. Used by tests and the CLI.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
