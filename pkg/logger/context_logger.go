package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey string

const (
	userIDKey    ctxKey = "user_id"
	channelIDKey ctxKey = "channel_id"
	connIDKey    ctxKey = "conn_id"
)

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, channelIDKey, channelID)
}

func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// FromContext decorates base with the identifiers carried by ctx and the
// trace id of the active span, if any.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	var kv []interface{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		kv = append(kv, "trace_id", sc.TraceID().String())
	}
	for _, key := range []ctxKey{userIDKey, channelIDKey, connIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			kv = append(kv, string(key), v)
		}
	}

	if len(kv) == 0 {
		return base
	}
	return base.With(kv...)
}
