// Package logging configures the process-wide slog logger from
// config.LoggingConfig: console and rotating-file outputs, per-output
// levels and formats, and a separate warn+ error log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/syntrixbase/relay/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logFiles      []*lumberjack.Logger
	dedupHandlers []*DedupHandler
	logFilesMu    sync.Mutex
)

// Initialize sets up the global logger based on configuration.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
	)
	return nil
}

// NewLogger creates a logger instance with the given configuration.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		level := parseLevel(cfg.Console.Level, cfg.Level)
		format := cfg.Console.Format
		if format == "" {
			format = cfg.Format
		}
		handlers = append(handlers, createHandler(os.Stdout, format, level))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		level := parseLevel(cfg.File.Level, cfg.Level)
		format := cfg.File.Format
		if format == "" {
			format = cfg.Format
		}

		// File outputs deduplicate repeated records; the console stays live.
		mainFile := newRotatingFile(filepath.Join(cfg.Dir, "relay.log"), cfg.Rotation)
		handlers = append(handlers, trackDedup(NewDedupHandler(createHandler(mainFile, format, level))))

		// Warnings and errors additionally go to their own file.
		errorFile := newRotatingFile(filepath.Join(cfg.Dir, "errors.log"), cfg.Rotation)
		errorHandler := trackDedup(NewDedupHandler(createHandler(errorFile, format, slog.LevelWarn)))
		handlers = append(handlers, NewLevelFilter(errorHandler, slog.LevelWarn))
	}

	if len(handlers) == 0 {
		// Nothing enabled; fall back to a quiet console handler.
		handlers = append(handlers, createHandler(os.Stderr, cfg.Format, slog.LevelError))
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), nil
	}
	return slog.New(NewMultiHandler(handlers...)), nil
}

// Shutdown flushes the dedup buffers and closes all rotating log files.
func Shutdown() error {
	logFilesMu.Lock()
	defer logFilesMu.Unlock()

	for _, dh := range dedupHandlers {
		if err := dh.Close(); err != nil {
			return fmt.Errorf("failed to close dedup handler: %w", err)
		}
	}
	dedupHandlers = nil

	for _, logFile := range logFiles {
		if err := logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}
	logFiles = nil
	return nil
}

// trackDedup registers a dedup handler so Shutdown can flush it before the
// files close.
func trackDedup(dh *DedupHandler) *DedupHandler {
	logFilesMu.Lock()
	dedupHandlers = append(dedupHandlers, dh)
	logFilesMu.Unlock()
	return dh
}

func newRotatingFile(path string, rot config.RotationConfig) *lumberjack.Logger {
	logFile := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
	}

	logFilesMu.Lock()
	logFiles = append(logFiles, logFile)
	logFilesMu.Unlock()

	return logFile
}

func parseLevel(level, fallback string) slog.Level {
	if level == "" {
		level = fallback
	}
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
