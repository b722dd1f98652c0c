package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Hub stack component identifiers.
const (
	ComponentHub      Component = "hub"
	ComponentRegistry Component = "registry"
	ComponentPort     Component = "port"
	ComponentWorker   Component = "worker"
	ComponentHost     Component = "host"
	ComponentHAL      Component = "hal"
	ComponentTransfer Component = "transfer"
	ComponentSim      Component = "sim"
	ComponentConfig   Component = "config"
)

// LogFormat selects the handler of the default logger.
type LogFormat int

// Log formats.
const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

// String returns the configuration name of the format.
func (f LogFormat) String() string {
	if f == LogFormatJSON {
		return "json"
	}
	return "text"
}

// ParseLogFormat converts "text" or "json" to a LogFormat.
func ParseLogFormat(name string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	}
	return LogFormatText, fmt.Errorf("%w: log format %q", ErrInvalidParameter, name)
}

// ParseLogLevel converts a level name (debug, info, warn, error) to a slog.Level.
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelWarn, fmt.Errorf("%w: log level %q", ErrInvalidParameter, name)
	}
	return level, nil
}

var (
	logLevel = new(slog.LevelVar)

	logMu  sync.RWMutex
	logger *slog.Logger
)

func init() {
	logLevel.Set(slog.LevelWarn)
	logger = NewLogger(os.Stderr, LogFormatText)
}

// NewLogger returns a logger in the given format writing to w. It honors
// the level set with SetLogLevel.
func NewLogger(w io.Writer, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogLevel sets the minimum level of the stack's log output.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	return logLevel.Level()
}

// SetLogger replaces the logger used by the Log functions and returns the
// previous one.
func SetLogger(l *slog.Logger) *slog.Logger {
	logMu.Lock()
	defer logMu.Unlock()
	prev := logger
	logger = l
	return prev
}

// SetLogFormat switches the default logger to format on os.Stderr.
func SetLogFormat(format LogFormat) {
	SetLogger(NewLogger(os.Stderr, format))
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a debug message tagged with component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message tagged with component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning tagged with component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error tagged with component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
