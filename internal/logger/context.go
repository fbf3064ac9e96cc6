package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const ConversationIDKey contextKey = "conversation_id"
const SessionIDKey contextKey = "session_id"

func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

func GetConversationID(ctx context.Context) string {
	if id, ok := ctx.Value(ConversationIDKey).(string); ok {
		return id
	}
	return ""
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns the default logger annotated with any ids carried by ctx.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetConversationID(ctx); id != "" {
		l = l.With("conversation_id", id)
	}
	if id := GetSessionID(ctx); id != "" {
		l = l.With("session_id", id)
	}
	return l
}
