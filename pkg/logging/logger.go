// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for AleutianLens components.
//
// The logging system is built on Go's standard library slog package with
// two additions:
//
//   - A process-wide severity threshold held in a slog.LevelVar. Every
//     handler created by New reads it, so the debug-level control of the
//     HTTP gateway can raise or lower verbosity at runtime without
//     rebuilding loggers.
//   - Optional file output with size-based rotation (lumberjack).
//
//	┌───────────────────────────────────────────────────────┐
//	│                        Logger                         │
//	│  ┌─────────────┐  ┌──────────────────────────────┐    │
//	│  │   stderr    │  │  rotating log file (optional)│    │
//	│  └─────────────┘  └──────────────────────────────┘    │
//	│              threshold: shared slog.LevelVar          │
//	└───────────────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "lens"})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
//	// later, from an admin call
//	if _, err := logging.SetLevelByName("DEBUG"); err != nil { ... }
//
// # Level Names
//
// The verbosity names exposed to users are DEBUG, INFO, WARNING, ERROR and
// CRITICAL. CRITICAL sits above slog's ERROR level and is rendered by name.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents a user-facing log severity.
type Level int

const (
	// LevelDebug enables all output including request tracing.
	LevelDebug Level = iota

	// LevelInfo is the default level.
	LevelInfo

	// LevelWarning shows warnings and above.
	LevelWarning

	// LevelError shows errors and above.
	LevelError

	// LevelCritical shows only critical failures.
	LevelCritical
)

// slogLevelCritical is the slog value backing LevelCritical.
const slogLevelCritical = slog.LevelError + 4

// LevelNames is the fixed, ordered set of verbosity names accepted by
// ParseLevel.
var LevelNames = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// ErrInvalidLevel is returned by ParseLevel for names outside LevelNames.
var ErrInvalidLevel = errors.New("invalid debug level")

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return slogLevelCritical
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a verbosity name to a Level.
//
// Matching is case-insensitive and ignores surrounding whitespace. Names
// outside LevelNames return an error wrapping ErrInvalidLevel.
func ParseLevel(name string) (Level, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for i, candidate := range LevelNames {
		if candidate == normalized {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("%w: %q, must be one of %v", ErrInvalidLevel, name, LevelNames)
}

// =============================================================================
// Process-wide Threshold
// =============================================================================

var (
	threshold    = new(slog.LevelVar)
	currentLevel atomic.Int32
)

func init() {
	SetLevel(LevelInfo)
}

// SetLevel changes the minimum severity of every logger built by New.
func SetLevel(level Level) {
	threshold.Set(level.toSlogLevel())
	currentLevel.Store(int32(level))
}

// SetLevelByName parses name and applies it as the process threshold.
func SetLevelByName(name string) (Level, error) {
	level, err := ParseLevel(name)
	if err != nil {
		return LevelInfo, err
	}
	SetLevel(level)
	return level, nil
}

// CurrentLevel returns the active process threshold.
func CurrentLevel() Level {
	return Level(currentLevel.Load())
}

// Critical logs at the CRITICAL level on the given logger.
func Critical(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), slogLevelCritical, msg, args...)
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls logger construction.
type Config struct {
	// Level is the initial process threshold.
	Level Level

	// LogFile enables rotating file output when non-empty. Supports ~.
	LogFile string

	// MaxSizeMB rotates the log file after this size. Default: 100.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default: 3.
	MaxBackups int

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches the stderr handler from text to JSON.
	JSON bool

	// Quiet disables stderr output (file output still works).
	Quiet bool

	// Output overrides stderr, used by tests.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps a slog.Logger and owns the rotating file, if any.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	slog    *slog.Logger
	rotator *lumberjack.Logger
	mu      sync.Mutex
}

// New builds a Logger and applies cfg.Level as the process threshold.
func New(cfg Config) *Logger {
	SetLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:       threshold,
		ReplaceAttr: replaceLevelName,
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{}

	if cfg.LogFile != "" {
		path := expandPath(cfg.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err == nil {
			maxSize := cfg.MaxSizeMB
			if maxSize <= 0 {
				maxSize = 100
			}
			maxBackups := cfg.MaxBackups
			if maxBackups <= 0 {
				maxBackups = 3
			}
			logger.rotator = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
				MaxAge:     28,
				Compress:   true,
			}
			handlers = append(handlers, slog.NewJSONHandler(logger.rotator, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close closes the rotating log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator == nil {
		return nil
	}
	if err := l.rotator.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.rotator = nil
	return nil
}

func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case level >= slogLevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	case level == slog.LevelWarn:
		a.Value = slog.StringValue("WARNING")
	}
	return a
}

// =============================================================================
// Multi-destination Handler
// =============================================================================

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
