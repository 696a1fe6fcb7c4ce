package logger

import (
	"context"
)

// Logger is the structured logging contract used by every taskguard component.
// Log methods take a message followed by alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that carries the given key-value pairs.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with the correlation fields
	// stored in ctx (request id, task key, worker id).
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	taskKeyKey   contextKey = "task_key"
	workerIDKey  contextKey = "worker_id"
)

// ContextWithRequestID stores a request/correlation id for later log enrichment.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithTaskKey stores the idempotency key of the task being executed.
func ContextWithTaskKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, taskKeyKey, key)
}

// ContextWithWorkerID stores the identity of the executing worker.
func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// contextFields returns the correlation fields present in ctx as key-value pairs.
func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	for _, key := range []contextKey{requestIDKey, taskKeyKey, workerIDKey} {
		if value, ok := ctx.Value(key).(string); ok && value != "" {
			fields = append(fields, string(key), value)
		}
	}
	return fields
}

type nopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}
func (nopLogger) Error(string, ...any) {}
func (l nopLogger) With(...any) Logger { return l }
func (l nopLogger) WithContext(context.Context) Logger { return l }
