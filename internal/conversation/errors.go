package conversation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a conversation failure.
type Kind string

const (
	// KindInvalidInput is a caller error: missing or empty human input, or
	// an unparseable request.
	KindInvalidInput Kind = "InvalidInput"

	// KindBudgetExceeded means the history could not be fitted to the
	// budget. The orchestrator recovers from it; it is reported only in
	// logs and metrics.
	KindBudgetExceeded Kind = "BudgetExceeded"

	// KindInferenceUnavailable covers provider errors, timeouts, and
	// malformed model responses.
	KindInferenceUnavailable Kind = "InferenceUnavailable"

	// KindInternal is a failure on the service side that the caller cannot
	// fix, such as a guard rule that errors at evaluation time.
	KindInternal Kind = "Internal"
)

// Error is a classified conversation failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsTimeout reports whether err was caused by a deadline, either the
// caller's context or a transport timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}
