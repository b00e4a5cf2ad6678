package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	// CommandIDKey is the context key for the id of the command being executed
	CommandIDKey contextKey = "command-id"

	// SessionIDKey is the context key for the control-plane session id
	SessionIDKey contextKey = "session-id"

	// ActionKey is the context key for the command's action name
	ActionKey contextKey = "action"
)

// Header names used to attribute a control-plane session.
const (
	IdentityHeader  = "X-Vessel-Engine-Id"
	SessionIDHeader = "X-Session-Id"
)

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	if id, ok := ctx.Value(CommandIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithAction adds an action name to the context
func WithAction(ctx context.Context, action string) context.Context {
	return context.WithValue(ctx, ActionKey, action)
}

// GetAction retrieves the action name from the context
func GetAction(ctx context.Context) string {
	if a, ok := ctx.Value(ActionKey).(string); ok {
		return a
	}
	return ""
}

// GenerateID generates a new random identifier
func GenerateID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger with correlation IDs from context
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if commandID := GetCommandID(ctx); commandID != "" {
		fields = append(fields, zap.String("command_id", commandID))
	}

	if sessionID := GetSessionID(ctx); sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}

	if action := GetAction(ctx); action != "" {
		fields = append(fields, zap.String("action", action))
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		fields = append(fields, zap.String("trace_id", span.SpanContext().TraceID().String()))
		fields = append(fields, zap.String("span_id", span.SpanContext().SpanID().String()))
	}

	return logger.With(fields...)
}
