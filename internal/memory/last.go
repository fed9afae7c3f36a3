package memory

import (
	"github.com/szaher/parley/internal/history"
)

// StrategyLast keeps the most recent turns.
const StrategyLast = "last"

// Last drops whole turns from the oldest end until the history fits. When
// any turn was dropped it keeps dropping until the history starts on the
// StartOn role. A history already within budget is returned unchanged. The
// result is always a contiguous suffix of the input.
type Last struct{}

// Name returns "last".
func (Last) Name() string { return StrategyLast }

// Trim implements Strategy.
func (Last) Trim(h history.History, budget int, tok Tokenizer, opts TrimOptions) (history.History, error) {
	if budget <= 0 {
		return history.History{}, ErrInvalidBudget
	}

	reserved := 0
	if opts.System != nil {
		reserved = tok.CountTokens(*opts.System)
		if reserved > budget {
			return history.History{}, &BudgetError{Budget: budget, PersonaTokens: reserved}
		}
	}

	total := reserved + Total(tok, h)
	if total <= budget {
		return h.Clone(), nil
	}

	start := 0
	for start < len(h) && total > budget {
		total -= tok.CountTokens(h[start])
		start++
	}

	want := opts.startOn()
	for start < len(h) && h[start].Role() != want {
		start++
	}

	return h[start:].Clone(), nil
}
