// Package reqctx scopes a per-query correlation id to a context.Context and to
// the zerolog logger carried by it.
package reqctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogField is the log field holding the correlation id.
const LogField = "req_id"

type ctxKey struct{}

// With returns a child of ctx carrying id, with the context logger bound to it.
func With(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, id)
	logger := zerolog.Ctx(ctx).With().Str(LogField, id).Logger()

	return logger.WithContext(ctx)
}

// WithNewContext runs fn with a context scoped to a fresh correlation id.
// Work started from fn observes the same id as long as it is handed that context.
func WithNewContext(ctx context.Context, fn func(ctx context.Context)) {
	fn(With(ctx, uuid.NewString()))
}

// ID returns the correlation id of the enclosing scope.
func ID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	id, ok := ctx.Value(ctxKey{}).(string)

	return id, ok
}
