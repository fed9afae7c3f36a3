package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szaher/parley/internal/auth"
	"github.com/szaher/parley/internal/expr"
	"github.com/szaher/parley/internal/secrets"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Listen != ":8000" || cfg.Budget != 500 || cfg.Strategy != "last" || !cfg.IncludeSystem {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.InferenceTimeout != 60*time.Second || cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("unexpected limits: timeout=%s body=%d", cfg.InferenceTimeout, cfg.MaxBodyBytes)
	}
	if cfg.RateLimit != auth.DefaultRateLimitConfig() {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, `
persona: You are a terse robot.
model: openai/gpt-4o-mini
temperature: 0.2
budget: 800
include_system: false
listen: 127.0.0.1:9000
inference_timeout: 15s
rate_limit:
  requests_per_second: 2
  burst: 4
guards:
  - name: max-input
    reject_if: input_len > 4000
    message: input too long
`)

	cfg, err := LoadConfig(path, envMap(nil))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Persona != "You are a terse robot." || cfg.Model != "openai/gpt-4o-mini" {
		t.Errorf("persona/model not loaded: %+v", cfg.Config)
	}
	if cfg.Temperature != 0.2 || cfg.Budget != 800 || cfg.IncludeSystem {
		t.Errorf("model params not loaded: %+v", cfg.Config)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.InferenceTimeout != 15*time.Second {
		t.Errorf("server settings not loaded: listen=%s timeout=%s", cfg.Listen, cfg.InferenceTimeout)
	}
	if cfg.RateLimit.RequestsPerSecond != 2 || cfg.RateLimit.Burst != 4 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if len(cfg.Guards) != 1 || cfg.Guards[0].Reject != "input_len > 4000" {
		t.Errorf("guards = %+v", cfg.Guards)
	}
	// Unset keys keep their defaults.
	if cfg.MaxTokens != 1024 || cfg.Strategy != "last" {
		t.Errorf("defaults lost: max_tokens=%d strategy=%s", cfg.MaxTokens, cfg.Strategy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil)); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "budgett: 10\n")
	if _, err := LoadConfig(path, envMap(nil)); err == nil {
		t.Error("expected error for unknown field")
	}

	empty := writeConfig(t, "")
	if _, err := LoadConfig(empty, envMap(nil)); err != nil {
		t.Errorf("empty file should load defaults: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "budget: 800\nmodel: groq/mixtral\n")

	cfg, err := LoadConfig(path, envMap(map[string]string{
		"PARLEY_BUDGET":            "300",
		"PARLEY_TEMPERATURE":       "1.1",
		"PARLEY_INCLUDE_SYSTEM":    "false",
		"PARLEY_INFERENCE_TIMEOUT": "5s",
		"PARLEY_RATE_LIMIT":        "50:100",
		"PARLEY_MAX_BODY_BYTES":    "2048",
		"PARLEY_TRUSTED_PROXIES":   "10.0.0.0/8, 192.0.2.1",
	}))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Budget != 300 {
		t.Errorf("budget = %d, want env value 300", cfg.Budget)
	}
	if cfg.Model != "groq/mixtral" {
		t.Errorf("model = %q, want file value", cfg.Model)
	}
	if cfg.Temperature != 1.1 || cfg.IncludeSystem || cfg.InferenceTimeout != 5*time.Second {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.RateLimit.RequestsPerSecond != 50 || cfg.RateLimit.Burst != 100 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.MaxBodyBytes != 2048 {
		t.Errorf("max body = %d", cfg.MaxBodyBytes)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "192.0.2.1" {
		t.Errorf("trusted proxies = %q", cfg.TrustedProxies)
	}
}

func TestEnvBadValues(t *testing.T) {
	_, err := LoadConfig("", envMap(map[string]string{
		"PARLEY_BUDGET":            "lots",
		"PARLEY_INFERENCE_TIMEOUT": "soon",
		"PARLEY_RATE_LIMIT":        "fast",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"PARLEY_BUDGET", "PARLEY_INFERENCE_TIMEOUT", "PARLEY_RATE_LIMIT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    auth.RateLimitConfig
		wantErr bool
	}{
		{"10:20", auth.RateLimitConfig{RequestsPerSecond: 10, Burst: 20}, false},
		{"5", auth.RateLimitConfig{RequestsPerSecond: 5, Burst: 5}, false},
		{"0.5", auth.RateLimitConfig{RequestsPerSecond: 0.5, Burst: 1}, false},
		{"off", auth.RateLimitConfig{}, false},
		{"0", auth.RateLimitConfig{}, false},
		{"-1", auth.RateLimitConfig{}, true},
		{"10:x", auth.RateLimitConfig{}, true},
	}
	for _, tt := range tests {
		got, err := parseRateLimit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRateLimit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseRateLimit(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("PARLEY_TEST_GROQ_KEY", "gsk-resolved")

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "env(PARLEY_TEST_GROQ_KEY)"
	cfg.APIKey = "literal-api-key"

	if err := cfg.ResolveSecrets(context.Background(), secrets.NewEnvResolver(nil)); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Provider.APIKey != "gsk-resolved" {
		t.Errorf("provider key = %q", cfg.Provider.APIKey)
	}
	if cfg.APIKey != "literal-api-key" {
		t.Errorf("literal key changed to %q", cfg.APIKey)
	}

	cfg.Provider.APIKey = "env(PARLEY_TEST_UNSET_KEY)"
	err := cfg.ResolveSecrets(context.Background(), secrets.NewEnvResolver(nil))
	if err == nil || !strings.Contains(err.Error(), "provider.api_key") {
		t.Errorf("expected provider.api_key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget = 0
	cfg.Temperature = -1
	cfg.Strategy = "first"
	cfg.Listen = ""
	cfg.InferenceTimeout = 0
	cfg.LogLevel = "chatty"
	cfg.LogFormat = "xml"
	cfg.Guards = []expr.Rule{{Name: "broken", Reject: "input_len >"}}
	cfg.TrustedProxies = []string{"proxy.internal"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"budget", "temperature", "unknown trimming strategy", "listen", "inference_timeout", "log level", "log format", "broken", "trusted proxy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q: %v", want, err)
		}
	}
}
