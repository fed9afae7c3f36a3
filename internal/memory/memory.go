// Package memory trims conversation history to a token budget before it is
// sent to the model.
package memory

import (
	"errors"
	"fmt"

	"github.com/szaher/parley/internal/history"
)

var (
	// ErrBudgetExceeded means no history can fit: the persona alone is
	// over budget.
	ErrBudgetExceeded = errors.New("token budget exceeded")

	// ErrInvalidBudget is returned for budgets that are not positive.
	ErrInvalidBudget = errors.New("token budget must be positive")

	// ErrUnknownStrategy is returned by StrategyFor for unregistered names.
	ErrUnknownStrategy = errors.New("unknown trimming strategy")
)

// BudgetError carries the numbers behind ErrBudgetExceeded.
type BudgetError struct {
	Budget        int
	PersonaTokens int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%v: persona needs %d tokens, budget is %d", ErrBudgetExceeded, e.PersonaTokens, e.Budget)
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

// TrimOptions adjusts how a strategy measures and shapes its result.
type TrimOptions struct {
	// System, when non-nil, is counted against the budget alongside the
	// history. It is never part of the returned history.
	System *history.Turn

	// StartOn is the role a trimmed history must begin with. Once a turn
	// has been dropped for budget, leading turns of any other role are
	// dropped too. Defaults to human.
	StartOn history.Role
}

func (o TrimOptions) startOn() history.Role {
	if o.StartOn == "" {
		return history.RoleHuman
	}
	return o.StartOn
}

// Strategy reduces a history to fit a token budget.
type Strategy interface {
	// Name is the identifier used in configuration.
	Name() string

	// Trim returns a bounded history. It must not modify h.
	Trim(h history.History, budget int, tok Tokenizer, opts TrimOptions) (history.History, error)
}

var strategies = map[string]Strategy{
	StrategyLast: Last{},
}

// StrategyFor looks up a strategy by its configuration name.
func StrategyFor(name string) (Strategy, error) {
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Trim applies the "last" strategy.
func Trim(h history.History, budget int, tok Tokenizer, opts TrimOptions) (history.History, error) {
	return Last{}.Trim(h, budget, tok, opts)
}
