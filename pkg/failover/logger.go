package failover

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// traceIDKey is the context key used to correlate log lines for a single
// send/reconnect cycle.
type traceIDKey struct{}

var traceIDCounter atomic.Uint64

// Logger wraps slog.Logger with optional trace-id propagation, the same
// shape the rest of this stack's logging uses.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// NewLogger creates a new logger with the specified configuration.
func NewLogger(cfg LoggingConfig) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger:       slog.New(handler),
		traceEnabled: cfg.TraceEnabled,
	}
}

// WithTraceID attaches a fresh trace id to ctx.
func WithTraceID(ctx context.Context) context.Context {
	id := traceIDCounter.Add(1)
	return context.WithValue(ctx, traceIDKey{}, id)
}

// GetTraceID retrieves the trace id from ctx, if any.
func GetTraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

func (l *Logger) withTrace(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if id, ok := GetTraceID(ctx); ok {
			return append([]any{"trace_id", id}, args...)
		}
	}
	return args
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.withTrace(ctx, args)...)
}

// WithEndpoint returns a logger annotated with the given endpoint.
func (l *Logger) WithEndpoint(e Endpoint) *Logger {
	return &Logger{Logger: l.Logger.With("endpoint", e.String()), traceEnabled: l.traceEnabled}
}

// WithComponent returns a logger annotated with a core subcomponent name
// (e.g. "reconnect-worker", "backup-pool").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name), traceEnabled: l.traceEnabled}
}

func parseLogLevel(level string) slog.Level {
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
