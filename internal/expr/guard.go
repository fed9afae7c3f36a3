package expr

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Rule is a guard as written in configuration.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Reject  string `yaml:"reject_if" json:"reject_if"`
	Message string `yaml:"message" json:"message"`
}

// Violation is returned when a guard rejects a request.
type Violation struct {
	Rule    string
	Message string
}

func (v *Violation) Error() string {
	if v.Message != "" {
		return v.Message
	}
	return fmt.Sprintf("rejected by guard %q", v.Rule)
}

type guard struct {
	rule     Rule
	compiled *CompiledExpr
}

// Guards is a compiled, immutable set of rules. The zero value and nil
// accept everything.
type Guards struct {
	guards []guard
}

// CompileGuards compiles rules, reporting every invalid rule at once.
func CompileGuards(rules []Rule) (*Guards, error) {
	g := &Guards{}
	var errs []error
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("guard[%d]", i)
			r.Name = name
		}
		compiled, err := Compile(r.Reject)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		g.guards = append(g.guards, guard{rule: r, compiled: compiled})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return g, nil
}

// Len returns the number of rules.
func (g *Guards) Len() int {
	if g == nil {
		return 0
	}
	return len(g.guards)
}

// NewEnv builds the evaluation environment for a request.
func NewEnv(input string, historyLen, historyTokens int) Env {
	return Env{
		Input:         input,
		InputLen:      utf8.RuneCountInString(input),
		HistoryLen:    historyLen,
		HistoryTokens: historyTokens,
	}
}

// Check evaluates rules in order and returns a *Violation for the first one
// that matches. Evaluation errors are returned as-is.
func (g *Guards) Check(env Env) error {
	if g == nil {
		return nil
	}
	for _, gd := range g.guards {
		reject, err := EvalBool(gd.compiled, env)
		if err != nil {
			return err
		}
		if reject {
			return &Violation{Rule: gd.rule.Name, Message: gd.rule.Message}
		}
	}
	return nil
}
