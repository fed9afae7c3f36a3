package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces secret values in redacted output.
const Placeholder = "***REDACTED***"

// minSecretLen keeps short values such as "1" or "on" from being scrubbed
// out of unrelated log lines.
const minSecretLen = 6

// RedactFilter wraps a slog handler to scrub resolved secret values from log output.
type RedactFilter struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]bool
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]bool),
	}
}

// AddSecret registers a value to be redacted from log output.
func (f *RedactFilter) AddSecret(value string) {
	if len(value) < minSecretLen {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[value] = true
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle redacts secret values from the message and attributes, including
// grouped attributes and error values.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	f.mu.RLock()
	secrets := make([]string, 0, len(f.secrets))
	for s := range f.secrets {
		secrets = append(secrets, s)
	}
	f.mu.RUnlock()

	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}

	// Redact the message
	msg := record.Message
	for _, s := range secrets {
		msg = strings.ReplaceAll(msg, s, Placeholder)
	}

	// Create new record with redacted message
	redacted := slog.NewRecord(record.Time, record.Level, msg, record.PC)

	// Redact attribute values
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(f.redactAttr(a, secrets))
		return true
	})

	return f.inner.Handle(ctx, redacted)
}

// WithAttrs delegates to the inner handler.
// Shares the parent's mutex and secrets map so AddSecret is race-free.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactFilter{
		inner:   f.inner.WithAttrs(attrs),
		mu:      f.mu,
		secrets: f.secrets,
	}
}

// WithGroup delegates to the inner handler.
// Shares the parent's mutex and secrets map so AddSecret is race-free.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{
		inner:   f.inner.WithGroup(name),
		mu:      f.mu,
		secrets: f.secrets,
	}
}

func (f *RedactFilter) redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		val := v.String()
		for _, s := range secrets {
			val = strings.ReplaceAll(val, s, Placeholder)
		}
		return slog.String(a.Key, val)
	case slog.KindGroup:
		group := v.Group()
		attrs := make([]any, 0, len(group))
		for _, ga := range group {
			attrs = append(attrs, f.redactAttr(ga, secrets))
		}
		return slog.Group(a.Key, attrs...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return f.redactAttr(slog.String(a.Key, err.Error()), secrets)
		}
	}
	return a
}

// RedactString replaces any known secret values in a string with a placeholder.
func (f *RedactFilter) RedactString(s string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for secret := range f.secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}
