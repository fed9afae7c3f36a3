// Package auth provides optional API key authentication and per-client rate
// limiting for the HTTP server.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// DefaultEnvVar is the environment variable name for the API key.
const DefaultEnvVar = "PARLEY_API_KEY"

// KeyHeader is the alternative to an Authorization bearer token.
const KeyHeader = "X-API-Key"

// ValidateKey performs timing-safe comparison of the provided key
// against the expected key. Returns true if they match.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ExtractKey returns the key presented by r, from "Authorization: Bearer"
// or X-API-Key. The bool is false if neither header is present or the
// Authorization header uses another scheme.
func ExtractKey(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
			return "", false
		}
		return strings.TrimSpace(auth[len(prefix):]), true
	}
	if key := r.Header.Get(KeyHeader); key != "" {
		return key, true
	}
	return "", false
}
