// Package errkind classifies errors into the taxonomy the orchestrator and
// version store use to decide whether to retry, surface a budget message,
// or fail a run outright.
package errkind

import "errors"

// Kind is a coarse error classification. It is not a Go error type itself;
// components wrap a Kind into an error with Wrap and recover it with
// Classify.
type Kind string

const (
	Validation        Kind = "validation"
	BudgetExceeded    Kind = "budget_exceeded"
	TransientUpstream Kind = "transient_upstream"
	ToolError         Kind = "tool_error"
	SandboxViolation  Kind = "sandbox_violation"
	GitUnavailable    Kind = "git_unavailable"
	StorageConflict   Kind = "storage_conflict"
	Aborted           Kind = "aborted"
	Unknown           Kind = "unknown"
)

// classified is an error carrying an explicit Kind.
type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap attaches kind to err. If err is nil, Wrap returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// Classify returns the Kind attached to err via Wrap, or Unknown if none
// was attached.
func Classify(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return Unknown
}

// Retryable reports whether the dispatch loop should retry an error of
// this kind (spec.md §4.1 step 5, §7).
func Retryable(kind Kind) bool {
	switch kind {
	case TransientUpstream, ToolError:
		return true
	default:
		return false
	}
}
