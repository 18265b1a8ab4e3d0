// Package correlation threads a per-transaction correlation id through
// context.Context boundaries — goroutines, handler invocations, logging —
// instead of a thread-local or process-global, per the saga's correlation
// propagation contract.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey struct{}

var ctxKey = contextKey{}

// WithID returns a context carrying id as the active correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey, id)
}

// New returns a context carrying a freshly generated correlation id, and the
// id itself, for ingress paths that were not handed one by the caller.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithID(ctx, id), id
}

// FromContext returns the correlation id carried by ctx, or "" if none was set.
func FromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey).(string)
	return v
}

// Logger returns base annotated with the correlation id field from ctx, so
// every call site logs through ctx rather than a package-level logger.
func Logger(ctx context.Context, base *zap.Logger) *zap.Logger {
	if id := FromContext(ctx); id != "" {
		return base.With(zap.String("correlation_id", id))
	}
	return base
}
