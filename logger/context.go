package logger

import (
	"context"
	"log/slog"

	"minerwatch/config"
)

// contextKey is the type for logger context keys
type contextKey string

const loggerKey contextKey = "logger"

// WithLogger stores a logger in the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithPool stores a pool-tagged logger in the context. When debug logging
// was requested for the pool via DEBUG_UPTIME_<POOL>, the returned logger
// emits debug records regardless of the configured level.
func WithPool(ctx context.Context, pool string) context.Context {
	base := FromContext(ctx).With("pool", pool)
	if config.DebugUptime(pool) {
		base = slog.New(debugHandler{base.Handler()})
	}
	return WithLogger(ctx, base)
}

// FromContext retrieves a logger from the context, or returns the global logger if not found
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return Get()
}

// InfoContext logs an informational message using the logger from context
func InfoContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).InfoContext(ctx, msg, args...)
}

// WarnContext logs a warning message using the logger from context
func WarnContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).WarnContext(ctx, msg, args...)
}

// ErrorContext logs an error message using the logger from context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).ErrorContext(ctx, msg, args...)
}

// DebugContext logs a debug message using the logger from context
func DebugContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).DebugContext(ctx, msg, args...)
}

// debugHandler lowers the effective minimum level to debug while keeping
// the wrapped handler's format and output.
type debugHandler struct {
	slog.Handler
}

func (h debugHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelDebug
}

func (h debugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return debugHandler{h.Handler.WithAttrs(attrs)}
}

func (h debugHandler) WithGroup(name string) slog.Handler {
	return debugHandler{h.Handler.WithGroup(name)}
}
