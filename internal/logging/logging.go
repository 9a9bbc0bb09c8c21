// Package logging provides structured logging for stationd.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("retention")
//	log.Info("prune finished", "sensors", 12)
//
//	// Log with context
//	log.Error("prune failed", "error", err, "sensor", sensorID)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// Output goes to stderr so command output on stdout stays clean. If
// jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
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

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("scheduler")
//	log.Info("started") // Output: time=... level=INFO component=scheduler msg=started
//
// Packages create their component loggers at init time, before main calls
// Init. The returned logger resolves the global handler on every call so a
// later Init (or InitWithHandler in tests) still takes effect.
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return slog.New(&globalHandler{attrs: []slog.Attr{slog.String("component", name)}})
}

// globalHandler forwards to the handler of the current global Logger.
type globalHandler struct {
	attrs []slog.Attr
	group string
}

func (h *globalHandler) current() slog.Handler {
	base := Logger.Handler()
	if h.group != "" {
		base = base.WithGroup(h.group)
	}
	if len(h.attrs) > 0 {
		base = base.WithAttrs(h.attrs)
	}
	return base
}

func (h *globalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger.Handler().Enabled(ctx, level)
}

func (h *globalHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *globalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &globalHandler{attrs: merged, group: h.group}
}

func (h *globalHandler) WithGroup(name string) slog.Handler {
	return &globalHandler{attrs: h.attrs, group: name}
}

// WithContext returns a logger that includes context values.
// This is useful for request-scoped logging with trace IDs, etc.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	// Extract common context values if present
	logger := Logger

	if sensorID, ok := ctx.Value(contextKeySensorID).(string); ok {
		logger = logger.With("sensor", sensorID)
	}
	if migrationID, ok := ctx.Value(contextKeyMigrationID).(string); ok {
		logger = logger.With("migration", migrationID)
	}
	if passID, ok := ctx.Value(contextKeySyncPass).(uint64); ok {
		logger = logger.With("sync_pass", passID)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeySensorID contextKey = iota
	contextKeyMigrationID
	contextKeySyncPass
)

// ContextWithSensor adds a sensor ID to the context for logging.
func ContextWithSensor(ctx context.Context, sensorID string) context.Context {
	return context.WithValue(ctx, contextKeySensorID, sensorID)
}

// ContextWithMigration adds a migration ID to the context for logging.
func ContextWithMigration(ctx context.Context, migrationID string) context.Context {
	return context.WithValue(ctx, contextKeyMigrationID, migrationID)
}

// ContextWithSyncPass adds a sync pass number to the context for logging.
func ContextWithSyncPass(ctx context.Context, pass uint64) context.Context {
	return context.WithValue(ctx, contextKeySyncPass, pass)
}
