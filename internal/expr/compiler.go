// Package expr compiles and evaluates input guard rules. A rule is a boolean
// expression over the incoming request; when it evaluates to true the
// request is rejected.
package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env holds the variables available to guard expressions.
type Env struct {
	// Input is the new human input.
	Input string `expr:"input"`

	// InputLen is the input length in characters.
	InputLen int `expr:"input_len"`

	// HistoryLen is the number of turns the caller sent.
	HistoryLen int `expr:"history_len"`

	// HistoryTokens is the estimated token size of the caller's history.
	HistoryTokens int `expr:"history_tokens"`
}

// CompiledExpr represents a compiled expression ready for evaluation.
type CompiledExpr struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against Env and compiles it. The expression
// must produce a bool.
func Compile(source string) (*CompiledExpr, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}

	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &CompiledExpr{
		Source:  source,
		program: program,
	}, nil
}

// ValidateSyntax checks if an expression compiles against Env.
func ValidateSyntax(source string) error {
	if _, err := Compile(source); err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	return nil
}
