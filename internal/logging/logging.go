// Package logging builds the structured loggers every core component uses,
// following the teacher's pervasive slog.Default().With("component", ...)
// shape and rotating file output through lumberjack.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
)

// Config controls where logs go and how they rotate.
type Config struct {
	// FilePath is the rotating log file. Empty means stderr only.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// DefaultConfig returns sane rotation defaults for a long-running daemon.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Level:      slog.LevelInfo,
	}
}

// NewBase constructs the root logger for the process from cfg, and installs
// it as slog's default so components that grab slog.Default() pick it up.
func NewBase(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// For returns the base logger tagged with a component name, matching the
// teacher's internal/pool and internal/health call sites.
func For(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", component)
}
