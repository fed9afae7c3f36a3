// Package runtime implements the parley HTTP service: configuration,
// request handling, hot reload and process lifecycle.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/parley/internal/auth"
	"github.com/szaher/parley/internal/conversation"
	"github.com/szaher/parley/internal/expr"
	"github.com/szaher/parley/internal/secrets"
	"github.com/szaher/parley/internal/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PARLEY_"

// ProviderConfig overrides the inference provider's credentials and
// endpoint. Empty fields fall back to the provider's own environment
// variables (GROQ_API_KEY, OPENAI_API_KEY, ...).
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Config is the complete service configuration.
type Config struct {
	conversation.Config `yaml:",inline"`

	Listen           string        `yaml:"listen"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`

	// APIKey protects the HTTP API. Empty disables authentication.
	APIKey string `yaml:"api_key"`

	Provider  ProviderConfig       `yaml:"provider"`
	RateLimit auth.RateLimitConfig `yaml:"rate_limit"`
	Guards    []expr.Rule          `yaml:"guards"`

	// TrustedProxies lists proxy addresses or CIDR ranges whose
	// X-Forwarded-For header identifies the client. Empty means the
	// connection address is always used.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Config:           conversation.DefaultConfig(),
		Listen:           ":8000",
		LogLevel:         "info",
		LogFormat:        telemetry.FormatJSON,
		InferenceTimeout: 60 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		MaxBodyBytes:     1 << 20,
		RateLimit:        auth.DefaultRateLimitConfig(),
	}
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// any), then PARLEY_* variables found through lookup.
func LoadConfig(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from PARLEY_* variables. PARLEY_RATE_LIMIT uses
// the "rate:burst" form, e.g. "10:20". PARLEY_TRUSTED_PROXIES is a
// comma-separated list.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	get := func(name string) (string, bool) {
		return lookup(EnvPrefix + name)
	}
	setString := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: cannot convert %q to int", EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float64) {
		if v, ok := get(name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: cannot convert %q to float", EnvPrefix, name, v))
				return
			}
			*dst = f
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: cannot convert %q to bool", EnvPrefix, name, v))
				return
			}
			*dst = b
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: cannot convert %q to duration", EnvPrefix, name, v))
				return
			}
			*dst = d
		}
	}

	setString("PERSONA", &c.Persona)
	setString("MODEL", &c.Model)
	setFloat("TEMPERATURE", &c.Temperature)
	setInt("BUDGET", &c.Budget)
	setString("STRATEGY", &c.Strategy)
	setBool("INCLUDE_SYSTEM", &c.IncludeSystem)
	setInt("MAX_TOKENS", &c.MaxTokens)
	setString("LISTEN", &c.Listen)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)
	setDuration("INFERENCE_TIMEOUT", &c.InferenceTimeout)
	setDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	setString("API_KEY", &c.APIKey)
	setString("PROVIDER_API_KEY", &c.Provider.APIKey)
	setString("PROVIDER_BASE_URL", &c.Provider.BaseURL)

	if v, ok := get("MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_BODY_BYTES: cannot convert %q to int", EnvPrefix, v))
		} else {
			c.MaxBodyBytes = n
		}
	}
	if v, ok := get("TRUSTED_PROXIES"); ok {
		c.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TrustedProxies = append(c.TrustedProxies, p)
			}
		}
	}
	if v, ok := get("RATE_LIMIT"); ok {
		rl, err := parseRateLimit(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err))
		} else {
			c.RateLimit = rl
		}
	}

	return errors.Join(errs...)
}

// parseRateLimit parses "rate:burst". "0" or "off" disables limiting.
func parseRateLimit(v string) (auth.RateLimitConfig, error) {
	v = strings.TrimSpace(v)
	if v == "0" || strings.EqualFold(v, "off") {
		return auth.RateLimitConfig{}, nil
	}
	parts := strings.SplitN(v, ":", 2)
	rate, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || rate <= 0 {
		return auth.RateLimitConfig{}, fmt.Errorf("invalid rate %q", parts[0])
	}
	cfg := auth.RateLimitConfig{RequestsPerSecond: rate, Burst: int(rate)}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if len(parts) > 1 {
		burst, err := strconv.Atoi(parts[1])
		if err != nil || burst <= 0 {
			return auth.RateLimitConfig{}, fmt.Errorf("invalid burst %q", parts[1])
		}
		cfg.Burst = burst
	}
	return cfg, nil
}

// ResolveSecrets expands env(VAR) references in the credential fields and
// registers every credential with the resolver's redaction filter.
func (c *Config) ResolveSecrets(ctx context.Context, r *secrets.EnvResolver) error {
	for _, field := range []struct {
		name string
		dst  *string
	}{
		{"api_key", &c.APIKey},
		{"provider.api_key", &c.Provider.APIKey},
	} {
		if *field.dst == "" {
			continue
		}
		v, err := r.Expand(ctx, *field.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = v
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.InferenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("inference_timeout must be positive, got %s", c.InferenceTimeout))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes))
	}
	if _, err := telemetry.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", telemetry.FormatJSON, telemetry.FormatText:
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (want json or text)", c.LogFormat))
	}
	if _, err := expr.CompileGuards(c.Guards); err != nil {
		errs = append(errs, fmt.Errorf("guards: %w", err))
	}
	if _, err := auth.NewClientIPResolver(c.TrustedProxies); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
