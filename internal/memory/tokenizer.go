package memory

import (
	"github.com/szaher/parley/internal/history"
	"github.com/szaher/parley/internal/llm"
)

// Tokenizer measures a turn in model tokens. Implementations must be
// deterministic for a given turn.
type Tokenizer interface {
	CountTokens(t history.Turn) int
}

// TokenizerFunc adapts a function to Tokenizer.
type TokenizerFunc func(t history.Turn) int

// CountTokens calls f.
func (f TokenizerFunc) CountTokens(t history.Turn) int { return f(t) }

// EstimatingTokenizer counts turns with an llm.Estimator.
type EstimatingTokenizer struct {
	Estimator llm.Estimator
}

// NewEstimatingTokenizer returns a tokenizer with the default estimator.
func NewEstimatingTokenizer() EstimatingTokenizer {
	return EstimatingTokenizer{Estimator: llm.NewEstimator()}
}

// CountTokens returns the estimated tokens for t including message overhead.
func (e EstimatingTokenizer) CountTokens(t history.Turn) int {
	return e.Estimator.CountMessage(t.Content())
}

// Total sums the token counts of turns.
func Total(tok Tokenizer, turns history.History) int {
	total := 0
	for _, t := range turns {
		total += tok.CountTokens(t)
	}
	return total
}
