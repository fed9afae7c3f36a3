// Package secrets resolves credential references in configuration and keeps
// resolved values out of the logs.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvResolver resolves references of the form "env(VAR_NAME)" from the
// process environment.
type EnvResolver struct {
	// Redact, when set, is told about every resolved value.
	Redact *RedactFilter
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver(redact *RedactFilter) *EnvResolver {
	return &EnvResolver{Redact: redact}
}

// IsRef reports whether s is an env() reference.
func IsRef(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "env(") && strings.HasSuffix(s, ")")
}

// Resolve looks up an env() reference and returns the value.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !IsRef(ref) {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}

	varName := strings.TrimSpace(ref[4 : len(ref)-1])
	if varName == "" {
		return "", fmt.Errorf("empty variable name in %q", ref)
	}
	value, ok := os.LookupEnv(varName)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", varName)
	}

	if r.Redact != nil {
		r.Redact.AddSecret(value)
	}
	return value, nil
}

// Expand resolves s if it is a reference and returns it unchanged otherwise.
// Literal values are registered for redaction too, since a key written
// inline in a config file is still a key.
func (r *EnvResolver) Expand(ctx context.Context, s string) (string, error) {
	if !IsRef(s) {
		if r.Redact != nil {
			r.Redact.AddSecret(s)
		}
		return s, nil
	}
	return r.Resolve(ctx, s)
}
