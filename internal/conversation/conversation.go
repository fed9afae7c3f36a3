// Package conversation assembles prompts from a fixed persona, the trimmed
// caller history, and the new human input, and runs one inference per call.
//
// An Orchestrator holds no per-conversation state. Every call is a pure
// transition (input, history) -> (reply, history') apart from the single
// outbound inference request, so one Orchestrator serves any number of
// concurrent callers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szaher/parley/internal/expr"
	"github.com/szaher/parley/internal/history"
	"github.com/szaher/parley/internal/llm"
	"github.com/szaher/parley/internal/memory"
)

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = "You are a friendly alien, full of wisdom and goodness. Answer all questions to the best of your ability."

// Config is the orchestrator's fixed configuration.
type Config struct {
	Persona     string  `yaml:"persona" json:"persona"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	Budget      int     `yaml:"budget" json:"budget"`
	Strategy    string  `yaml:"strategy" json:"strategy"`

	// IncludeSystem counts the persona against Budget.
	IncludeSystem bool `yaml:"include_system" json:"include_system"`

	// MaxTokens caps the reply length.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// DefaultConfig returns the stock persona and model parameters.
func DefaultConfig() Config {
	return Config{
		Persona:       DefaultPersona,
		Model:         "groq/llama3-8b-8192",
		Temperature:   0.7,
		Budget:        500,
		Strategy:      memory.StrategyLast,
		IncludeSystem: true,
		MaxTokens:     1024,
	}
}

// Validate checks the configuration for values the orchestrator cannot use.
func (c Config) Validate() error {
	var errs []error
	if c.Budget <= 0 {
		errs = append(errs, fmt.Errorf("budget must be positive, got %d", c.Budget))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2], got %g", c.Temperature))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("max_tokens must not be negative, got %d", c.MaxTokens))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if _, err := memory.StrategyFor(c.Strategy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Result is the outcome of one successful exchange.
type Result struct {
	// Reply is the assistant's text.
	Reply string

	// History is the caller's full history plus the new exchange. It is
	// never trimmed.
	History history.History

	// Sent is the trimmed history that went into the prompt.
	Sent history.History

	// Dropped counts caller turns left out of the prompt.
	Dropped int

	// PromptTokens is the estimated size of the persona, sent history, and
	// new input.
	PromptTokens int

	// Degraded is set when the budget could not hold any history and the
	// prompt carried only the persona and new input.
	Degraded bool

	Usage llm.TokenUsage
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithGuards rejects inputs matching any of the guard rules.
func WithGuards(g *expr.Guards) Option {
	return func(o *Orchestrator) { o.guards = g }
}

// Orchestrator runs conversations against an inference client.
type Orchestrator struct {
	cfg       Config
	client    llm.Client
	tokenizer memory.Tokenizer
	strategy  memory.Strategy
	guards    *expr.Guards
	model     string
	logger    *slog.Logger
}

// New creates an orchestrator. The model in cfg may carry a provider prefix
// ("groq/llama3-8b-8192"); only the bare model name is sent to client.
func New(cfg Config, client llm.Client, tokenizer memory.Tokenizer, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.New("conversation: nil inference client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("conversation: invalid config: %w", err)
	}
	strategy, err := memory.StrategyFor(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if tokenizer == nil {
		tokenizer = memory.NewEstimatingTokenizer()
	}
	_, model := llm.ParseModelString(cfg.Model)

	o := &Orchestrator{
		cfg:       cfg,
		client:    client,
		tokenizer: tokenizer,
		strategy:  strategy,
		model:     model,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Converse answers humanInput in the context of h. On failure the returned
// Result is nil and h is untouched.
func (o *Orchestrator) Converse(ctx context.Context, humanInput string, h history.History) (*Result, error) {
	const op = "converse"

	if strings.TrimSpace(humanInput) == "" {
		return nil, InvalidInput(op, "human_input is required")
	}
	if o.guards.Len() > 0 {
		env := expr.NewEnv(humanInput, len(h), memory.Total(o.tokenizer, h))
		if err := o.guards.Check(env); err != nil {
			var v *expr.Violation
			if errors.As(err, &v) {
				return nil, &Error{Kind: KindInvalidInput, Op: op, Err: err}
			}
			return nil, &Error{Kind: KindInternal, Op: op, Err: err}
		}
	}

	persona := history.System(o.cfg.Persona)
	human := history.Human(humanInput)

	// Caller-supplied system turns never reach the model; the persona is
	// the only system voice.
	candidate := h.WithoutRole(history.RoleSystem)

	opts := memory.TrimOptions{StartOn: history.RoleHuman}
	if o.cfg.IncludeSystem {
		opts.System = &persona
	}

	degraded := false
	sent, err := o.strategy.Trim(candidate, o.cfg.Budget, o.tokenizer, opts)
	if err != nil {
		if !errors.Is(err, memory.ErrBudgetExceeded) {
			return nil, &Error{Kind: KindBudgetExceeded, Op: op, Err: err}
		}
		o.logger.Warn("history budget exceeded, answering without history",
			"kind", KindBudgetExceeded,
			"budget", o.cfg.Budget,
			"error", err,
		)
		sent = history.History{}
		degraded = true
	}

	prompt := o.buildRequest(sent, human)
	promptTokens := o.tokenizer.CountTokens(persona) + memory.Total(o.tokenizer, sent) + o.tokenizer.CountTokens(human)

	o.logger.Debug("sending prompt",
		"model", o.model,
		"history_turns", len(h),
		"sent_turns", len(sent),
		"prompt_tokens", promptTokens,
	)

	resp, err := o.client.Chat(ctx, prompt)
	if err != nil {
		return nil, &Error{Kind: KindInferenceUnavailable, Op: op, Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, &Error{Kind: KindInferenceUnavailable, Op: op, Err: errors.New("model returned an empty reply")}
	}

	return &Result{
		Reply:        resp.Content,
		History:      h.Append(human, history.Assistant(resp.Content)),
		Sent:         sent,
		Dropped:      len(candidate) - len(sent),
		PromptTokens: promptTokens,
		Degraded:     degraded,
		Usage:        resp.Usage,
	}, nil
}

// buildRequest lays out persona, trimmed history, and the new human turn
// in that order.
func (o *Orchestrator) buildRequest(sent history.History, human history.Turn) llm.ChatRequest {
	messages := make([]llm.Message, 0, len(sent)+1)
	for _, t := range sent {
		messages = append(messages, toMessage(t))
	}
	messages = append(messages, toMessage(human))

	temperature := o.cfg.Temperature
	return llm.ChatRequest{
		Model:       o.model,
		System:      o.cfg.Persona,
		Messages:    messages,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: &temperature,
	}
}

func toMessage(t history.Turn) llm.Message {
	role := llm.RoleUser
	if t.Role() == history.RoleAssistant {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Content: t.Content()}
}
