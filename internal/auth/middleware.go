package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware returns an HTTP middleware that validates API key authentication.
// An empty apiKey disables authentication. Requests to skipPaths (for
// example "/healthz") are always allowed. If rl is non-nil, failed attempts
// are tracked and an IP is blocked after 10 failures in a minute. clientIP
// identifies the caller for that tracking and defaults to ClientIPKeyFunc.
func Middleware(apiKey string, skipPaths []string, rl *RateLimiter, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	if clientIP == nil {
		clientIP = ClientIPKeyFunc
	}
	skipSet := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			if rl != nil && rl.IsAuthBlocked(ip) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.AuthBlockRetryAfter(ip)))
				writeError(w, http.StatusTooManyRequests, "RateLimited", "too many failed authentication attempts")
				return
			}

			key, ok := ExtractKey(r)
			if !ok || !ValidateKey(key, apiKey) {
				if rl != nil {
					rl.AuthFailure(ip)
				}
				msg := "invalid API key"
				if !ok {
					msg = "missing API key, expected 'Authorization: Bearer <key>' or X-API-Key"
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
				writeError(w, http.StatusUnauthorized, "Unauthorized", msg)
				return
			}

			if rl != nil {
				rl.AuthSuccess(ip)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    kind,
		"message": message,
	})
}
