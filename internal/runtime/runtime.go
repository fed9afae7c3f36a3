package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/parley/internal/auth"
	"github.com/szaher/parley/internal/conversation"
	"github.com/szaher/parley/internal/expr"
	"github.com/szaher/parley/internal/llm"
	"github.com/szaher/parley/internal/memory"
	"github.com/szaher/parley/internal/secrets"
	"github.com/szaher/parley/internal/telemetry"
)

// Limiter eviction schedule and idle cutoff.
const (
	evictSchedule = "@every 5m"
	evictIdle     = 10 * time.Minute
)

// Loader produces a resolved and validated Config. It is used at startup
// and again on every hot reload.
type Loader struct {
	// Path is the YAML file. Empty means defaults and environment only.
	Path string

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// Override is applied after the file and environment, e.g. for
	// command-line flags.
	Override func(*Config)

	Resolver *secrets.EnvResolver
}

// Load reads the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg, err := LoadConfig(l.Path, l.LookupEnv)
	if err != nil {
		return nil, err
	}
	if l.Override != nil {
		l.Override(cfg)
	}
	resolver := l.Resolver
	if resolver == nil {
		resolver = secrets.NewEnvResolver(nil)
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// BuildOrchestrator wires an orchestrator for cfg. When client is nil one
// is chosen from the model string.
func BuildOrchestrator(cfg *Config, client llm.Client, logger *slog.Logger) (*conversation.Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client, _ = llm.NewClientForModel(cfg.Model, llm.ClientOptions{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
			Opts:    []llm.OpenAIOption{llm.WithTimeout(cfg.InferenceTimeout)},
		})
	}
	guards, err := expr.CompileGuards(cfg.Guards)
	if err != nil {
		return nil, fmt.Errorf("compile guards: %w", err)
	}
	return conversation.New(cfg.Config, client, memory.NewEstimatingTokenizer(),
		conversation.WithLogger(logger),
		conversation.WithGuards(guards),
	)
}

// Options configures the runtime.
type Options struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Version string

	// Client overrides provider selection. Reloads keep using it.
	Client llm.Client

	// Loader enables hot reload when its Path is set.
	Loader *Loader
}

// Runtime manages the full lifecycle of the service.
type Runtime struct {
	config  *Config
	server  *Server
	limiter *auth.RateLimiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
	opts    Options
}

// New creates a new runtime from the given config.
func New(cfg *Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	orch, err := BuildOrchestrator(cfg, opts.Client, logger)
	if err != nil {
		return nil, err
	}

	serverOpts := []ServerOption{
		WithLogger(logger),
		WithMetrics(metrics),
		WithInferenceTimeout(cfg.InferenceTimeout),
		WithMaxBodyBytes(cfg.MaxBodyBytes),
		WithAPIKey(cfg.APIKey),
	}
	if opts.Version != "" {
		serverOpts = append(serverOpts, WithVersion(opts.Version))
	}

	resolver, err := auth.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	serverOpts = append(serverOpts, WithClientIP(resolver.ClientIP))

	var limiter *auth.RateLimiter
	if cfg.RateLimit.Enabled() {
		limiter = auth.NewRateLimiter(cfg.RateLimit)
		serverOpts = append(serverOpts, WithRateLimiter(limiter))
	}
	if cfg.APIKey == "" {
		logger.Warn("no API key configured, the API is open to any caller", "env", auth.DefaultEnvVar)
	}

	return &Runtime{
		config:  cfg,
		server:  NewServer(orch, serverOpts...),
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
	}, nil
}

// Handler returns the HTTP handler.
func (rt *Runtime) Handler() http.Handler {
	return rt.server.Handler()
}

// Orchestrator returns the orchestrator currently serving requests.
func (rt *Runtime) Orchestrator() *conversation.Orchestrator {
	return rt.server.Orchestrator()
}

// Reload swaps in an orchestrator built from cfg. Listener, auth, rate
// limit and timeout settings only change on restart.
func (rt *Runtime) Reload(cfg *Config) error {
	orch, err := BuildOrchestrator(cfg, rt.opts.Client, rt.logger)
	if err != nil {
		rt.metrics.RecordReload(false)
		return err
	}
	if cfg.Listen != rt.config.Listen {
		rt.logger.Warn("listen address change ignored until restart", "current", rt.config.Listen, "requested", cfg.Listen)
	}
	rt.server.SetOrchestrator(orch)
	rt.metrics.RecordReload(true)
	return nil
}

// Run serves until ctx is done, then shuts down gracefully. The config
// watcher and limiter eviction run alongside the server.
func (rt *Runtime) Run(ctx context.Context) error {
	var sched *cron.Cron
	if rt.limiter != nil {
		sched = cron.New()
		if _, err := sched.AddFunc(evictSchedule, func() {
			if n := rt.limiter.Evict(evictIdle); n > 0 {
				rt.logger.Debug("evicted idle rate limit entries", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("schedule limiter eviction: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := rt.server.ListenAndServe(rt.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		rt.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.config.ShutdownTimeout)
		defer cancel()
		if err := rt.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	if l := rt.opts.Loader; l != nil && l.Path != "" {
		w := NewWatcher(l.Path, func() (*Config, error) {
			cfg, err := l.Load(ctx)
			if err != nil {
				rt.metrics.RecordReload(false)
			}
			return cfg, err
		}, rt.Reload, rt.logger)
		g.Go(func() error { return w.Run(ctx) })
	}

	if sched != nil {
		sched.Start()
		g.Go(func() error {
			<-ctx.Done()
			<-sched.Stop().Done()
			return nil
		})
	}

	return g.Wait()
}
