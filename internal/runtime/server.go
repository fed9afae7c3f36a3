package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/tidwall/gjson"

	"github.com/szaher/parley/internal/auth"
	"github.com/szaher/parley/internal/conversation"
	"github.com/szaher/parley/internal/history"
	"github.com/szaher/parley/internal/telemetry"
)

// Server is the HTTP front end for a conversation orchestrator.
type Server struct {
	orch      atomic.Pointer[conversation.Orchestrator]
	mux       *http.ServeMux
	handler   http.Handler
	server    *http.Server
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	limiter   *auth.RateLimiter
	clientIP  func(*http.Request) string
	apiKey    string
	timeout   time.Duration
	maxBody   int64
	version   string
	startTime time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey requires the key on every request except /healthz.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics records request and conversation metrics and serves them on
// /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(rl *auth.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithClientIP sets how the client address is derived for rate limiting
// and auth lockout. Defaults to the connection address.
func WithClientIP(fn func(*http.Request) string) ServerOption {
	return func(s *Server) { s.clientIP = fn }
}

// WithInferenceTimeout bounds each conversation call.
func WithInferenceTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) { s.maxBody = n }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new HTTP server around orch.
func NewServer(orch *conversation.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		logger:    slog.Default(),
		clientIP:  auth.ClientIPKeyFunc,
		timeout:   60 * time.Second,
		maxBody:   1 << 20,
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.orch.Store(orch)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /{$}", s.handleConverse)
	mux.HandleFunc("POST /v1/converse", s.handleConverse)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux = mux

	var h http.Handler = gzhttp.GzipHandler(mux)
	if s.limiter != nil {
		h = s.limiter.Middleware(func(r *http.Request) string {
			if r.URL.Path == "/healthz" {
				return ""
			}
			return s.clientIP(r)
		})(h)
	}
	h = auth.Middleware(s.apiKey, []string{"/healthz"}, s.limiter, s.clientIP)(h)
	h = s.accessLog(h)
	h = correlate(h)
	s.handler = h

	// Created up front so Shutdown before ListenAndServe still stops it.
	s.server = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Orchestrator returns the orchestrator currently serving requests.
func (s *Server) Orchestrator() *conversation.Orchestrator {
	return s.orch.Load()
}

// SetOrchestrator swaps the orchestrator. Requests already running finish
// on the previous one.
func (s *Server) SetOrchestrator(o *conversation.Orchestrator) {
	s.orch.Store(o)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.logger.Info("server starting", "addr", addr, "model", s.Orchestrator().Config().Model)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"model":   s.Orchestrator().Config().Model,
		"version": s.version,
	})
}

type converseResponse struct {
	Response string          `json:"response"`
	History  history.History `json:"history"`
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := telemetry.RequestLogger(r.Context(), s.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, logger, start, conversation.InvalidInput("decode", "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.fail(w, logger, start, conversation.InvalidInput("decode", "reading request body: %v", err))
		return
	}

	if !gjson.ValidBytes(body) {
		s.fail(w, logger, start, conversation.InvalidInput("decode", "request body is not valid JSON"))
		return
	}
	req := gjson.ParseBytes(body)
	if !req.IsObject() {
		s.fail(w, logger, start, conversation.InvalidInput("decode", "request body must be a JSON object"))
		return
	}
	input := req.Get("human_input")
	if input.Type != gjson.String {
		s.fail(w, logger, start, conversation.InvalidInput("decode", "human_input must be a string"))
		return
	}
	h := history.Parse(req.Get("history"))

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.Orchestrator().Converse(ctx, input.Str, h)
	if err != nil {
		s.fail(w, logger, start, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordConversation(telemetry.ConversationStats{
			Outcome:      telemetry.OutcomeOK,
			Duration:     time.Since(start),
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			Dropped:      res.Dropped,
			Degraded:     res.Degraded,
		})
	}
	logger.Info("conversation answered",
		"history_turns", len(h),
		"sent_turns", len(res.Sent),
		"dropped_turns", res.Dropped,
		"prompt_tokens", res.PromptTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, converseResponse{Response: res.Reply, History: res.History})
}

// fail maps a conversation error to its HTTP status and error body. The
// body never carries history.
func (s *Server) fail(w http.ResponseWriter, logger *slog.Logger, start time.Time, err error) {
	kind := conversation.KindOf(err)
	status, outcome, message := http.StatusInternalServerError, "", "internal error"

	switch kind {
	case conversation.KindInvalidInput:
		status, outcome = http.StatusBadRequest, telemetry.OutcomeInvalidInput
		var ce *conversation.Error
		if errors.As(err, &ce) && ce.Err != nil {
			message = ce.Err.Error()
		} else {
			message = err.Error()
		}
		logger.Debug("invalid input", "error", err)
	case conversation.KindInferenceUnavailable:
		if conversation.IsTimeout(err) {
			status, outcome, message = http.StatusGatewayTimeout, telemetry.OutcomeTimeout, "inference timed out"
		} else {
			status, outcome, message = http.StatusBadGateway, telemetry.OutcomeUnavailable, "inference service unavailable"
		}
		logger.Warn("inference failed", "error", err, "status", status)
	default:
		kind = conversation.KindInternal
		logger.Error("conversation failed", "error", err)
	}

	if s.metrics != nil && outcome != "" {
		s.metrics.RecordConversation(telemetry.ConversationStats{Outcome: outcome, Duration: time.Since(start)})
	}
	writeError(w, status, string(kind), message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{
		"kind":    kind,
		"message": message,
	})
}

// correlate attaches a correlation ID to the request context and echoes
// it in the response. A caller-supplied X-Request-ID is kept.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(telemetry.CorrelationHeader))
		w.Header().Set(telemetry.CorrelationHeader, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.RecordRequest(r.Method, rec.status)
		}
		telemetry.RequestLogger(r.Context(), s.logger).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", fmt.Sprintf("%.3fms", float64(time.Since(start).Microseconds())/1000),
		)
	})
}
