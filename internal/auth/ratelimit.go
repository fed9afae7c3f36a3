package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultRateLimitConfig returns the default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// Enabled reports whether the config limits anything.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.Burst > 0
}

// RateLimiter applies a token bucket per client and tracks failed
// authentication attempts.
type RateLimiter struct {
	mu       sync.Mutex
	config   RateLimitConfig
	limiters map[string]*client

	authMu       sync.Mutex
	authFailures map[string]*authBucket

	now func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// authBucket tracks failed authentication attempts per IP.
type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures = 10
	authWindowDur   = 1 * time.Minute
	authBlockDur    = 5 * time.Minute
)

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:       config,
		limiters:     make(map[string]*client),
		authFailures: make(map[string]*authBucket),
		now:          time.Now,
	}
}

// Allow checks if a request from the given key is allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	c, ok := rl.limiters[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.limiters[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Evict forgets clients idle for longer than maxIdle along with expired
// authentication failure records. It returns the number of clients removed.
func (rl *RateLimiter) Evict(maxIdle time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	removed := 0
	for key, c := range rl.limiters {
		if now.Sub(c.lastSeen) > maxIdle {
			delete(rl.limiters, key)
			removed++
		}
	}
	rl.mu.Unlock()

	rl.authMu.Lock()
	for ip, b := range rl.authFailures {
		if now.After(b.blockedUntil) && now.Sub(b.windowStart) > authWindowDur {
			delete(rl.authFailures, ip)
		}
	}
	rl.authMu.Unlock()

	return removed
}

// IsAuthBlocked checks if an IP is blocked due to too many auth failures.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return false
	}
	if rl.now().Before(b.blockedUntil) {
		return true
	}
	if !b.blockedUntil.IsZero() {
		delete(rl.authFailures, ip)
	}
	return false
}

// AuthBlockRetryAfter returns the number of seconds until the block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return 0
	}
	remaining := b.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt from an IP.
// Returns true if the IP is now blocked.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	b, ok := rl.authFailures[ip]
	if !ok {
		b = &authBucket{windowStart: now}
		rl.authFailures[ip] = b
	}

	if now.Sub(b.windowStart) > authWindowDur {
		b.failures = 0
		b.windowStart = now
	}

	b.failures++
	if b.failures >= authMaxFailures {
		b.blockedUntil = now.Add(authBlockDur)
		return true
	}
	return false
}

// AuthSuccess clears auth failure tracking for an IP.
func (rl *RateLimiter) AuthSuccess(ip string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, ip)
}

// Middleware returns HTTP middleware that applies rate limiting.
// keyFunc extracts the rate limit key from the request; an empty key is
// not limited.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" || rl.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}

			retry := 1
			if rl.config.RequestsPerSecond > 0 && rl.config.RequestsPerSecond < 1 {
				retry = int(1/rl.config.RequestsPerSecond + 0.5)
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded, try again later")
		})
	}
}
