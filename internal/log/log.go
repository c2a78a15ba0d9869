// Package log provides the process-wide structured logger for apis-edge.
// It wraps slog: JSON on the device (GO_ENV=production), text on a bench.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu          sync.RWMutex
	logger      *slog.Logger
	initialized bool
)

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level.
// Unknown values map to info.
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

// Init initializes the global logger with the specified level.
// Only the first call has an effect, and none after SetOutput.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}
	installLocked(os.Stdout, ParseLevel(level), os.Getenv("GO_ENV") == "production")
}

// SetOutput replaces the global logger. Used by tests and tools that
// redirect logs.
func SetOutput(w io.Writer, level string, json bool) {
	mu.Lock()
	defer mu.Unlock()
	installLocked(w, ParseLevel(level), json)
}

func installLocked(w io.Writer, lvl slog.Level, json bool) {
	opts := &slog.HandlerOptions{Level: lvl}

	if json {
		logger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(w, opts))
	}
	initialized = true
	slog.SetDefault(logger)
}

// L returns the global logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init("info")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// Component returns a logger tagged with the owning component name.
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
