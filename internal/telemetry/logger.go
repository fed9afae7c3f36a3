package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// CorrelationHeader carries the correlation ID on requests and responses.
const CorrelationHeader = "X-Request-ID"

// Log formats accepted by NewHandler.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// NewHandler creates a structured log handler. Format is "json" (the
// default) or "text".
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, FormatText) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// NewLogger creates a structured logger.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(NewHandler(w, level, format))
}

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// NewCorrelationID returns a new lexically sortable request ID.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new one is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewCorrelationID()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger returns a logger with request-scoped fields.
func RequestLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := CorrelationID(ctx); id != "" {
		return logger.With(slog.String("correlation_id", id))
	}
	return logger
}
