package llm

import (
	"fmt"
	"math"
	"sync"
	"unicode/utf8"
)

const (
	// defaultCharsPerToken is conservative for BPE tokenizers on English
	// text, which average 3.5–4.5 characters per token. Overestimating
	// trims slightly early instead of overflowing the budget.
	defaultCharsPerToken = 4.0

	// defaultMessageOverhead approximates the role and separator tokens
	// chat templates add around every message.
	defaultMessageOverhead = 3
)

// Estimator approximates a model tokenizer from rune counts. It holds no
// mutable state, so a given message always yields the same count.
type Estimator struct {
	CharsPerToken   float64
	MessageOverhead int
}

// NewEstimator returns an estimator with the default ratio and overhead.
func NewEstimator() Estimator {
	return Estimator{
		CharsPerToken:   defaultCharsPerToken,
		MessageOverhead: defaultMessageOverhead,
	}
}

// CountText returns the estimated token count of text, rounded up.
func (e Estimator) CountText(text string) int {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = defaultCharsPerToken
	}
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return int(math.Ceil(float64(runes) / ratio))
}

// CountMessage returns the estimated tokens for one chat message including
// template overhead.
func (e Estimator) CountMessage(content string) int {
	return e.CountText(content) + e.MessageOverhead
}

// TokenTracker tracks cumulative token usage and enforces budgets.
type TokenTracker struct {
	mu     sync.Mutex
	budget int
	used   TokenUsage
}

// NewTokenTracker creates a tracker with the given budget.
// A budget of 0 means unlimited.
func NewTokenTracker(budget int) *TokenTracker {
	return &TokenTracker{budget: budget}
}

// Add records token usage from a single LLM call.
func (t *TokenTracker) Add(usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used.InputTokens += usage.InputTokens
	t.used.OutputTokens += usage.OutputTokens
}

// CheckBudget returns an error if the budget would be exceeded by additional tokens.
func (t *TokenTracker) CheckBudget(additional int) error {
	if t.budget <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.used.Total() + additional
	if total > t.budget {
		return fmt.Errorf("token budget exceeded: used %d + requested %d > budget %d",
			t.used.Total(), additional, t.budget)
	}
	return nil
}

// Usage returns the current cumulative usage.
func (t *TokenTracker) Usage() TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Remaining returns the number of tokens remaining in the budget.
// Returns -1 if the budget is unlimited.
func (t *TokenTracker) Remaining() int {
	if t.budget <= 0 {
		return -1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rem := t.budget - t.used.Total()
	if rem < 0 {
		return 0
	}
	return rem
}
