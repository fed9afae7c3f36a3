// Package telemetry provides logging and metrics for the parley service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Conversation outcomes used as metric labels.
const (
	OutcomeOK           = "ok"
	OutcomeInvalidInput = "invalid_input"
	OutcomeUnavailable  = "inference_unavailable"
	OutcomeTimeout      = "timeout"
)

// Metrics collects Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	conversations *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	dropped       prometheus.Counter
	degraded      prometheus.Counter
	requests      *prometheus.CounterVec
	reloads       *prometheus.CounterVec
}

var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates a Metrics collector with Go runtime and process
// collectors registered alongside the service metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_conversations_total",
			Help: "Conversation turns handled, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_conversation_duration_seconds",
			Help:    "Time spent answering a conversation turn, including inference.",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_tokens_total",
			Help: "Tokens reported by the inference provider.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_history_turns_dropped_total",
			Help: "History turns left out of prompts to fit the token budget.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_budget_degraded_total",
			Help: "Prompts sent without history because the persona exceeded the budget.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_config_reloads_total",
			Help: "Configuration reload attempts, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.conversations, m.duration, m.tokens, m.dropped, m.degraded, m.requests, m.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ConversationStats describes a completed conversation turn.
type ConversationStats struct {
	Outcome      string
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	Dropped      int
	Degraded     bool
}

// RecordConversation records one conversation turn.
func (m *Metrics) RecordConversation(s ConversationStats) {
	m.conversations.WithLabelValues(s.Outcome).Inc()
	m.duration.WithLabelValues(s.Outcome).Observe(s.Duration.Seconds())
	if s.InputTokens > 0 {
		m.tokens.WithLabelValues("input").Add(float64(s.InputTokens))
	}
	if s.OutputTokens > 0 {
		m.tokens.WithLabelValues("output").Add(float64(s.OutputTokens))
	}
	if s.Dropped > 0 {
		m.dropped.Add(float64(s.Dropped))
	}
	if s.Degraded {
		m.degraded.Inc()
	}
}

// RecordRequest records a served HTTP request.
func (m *Metrics) RecordRequest(method string, code int) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// RecordReload records a configuration reload attempt.
func (m *Metrics) RecordReload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
