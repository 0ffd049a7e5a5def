// Package taskerr classifies the error kinds the core distinguishes, so
// the Dispatcher/Worker boundary can decide retry-vs-surface-vs-fatal by
// inspecting a typed Kind instead of matching error strings. The four
// kinds come straight from spec.md §7's error taxonomy; the
// wrap-with-Unwrap-and-errors.As shape follows the teacher's own
// practice of wrapping rather than stringifying errors elsewhere in
// alter0.
package taskerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Unknown is the zero value; callers should avoid constructing it.
	Unknown Kind = iota
	// Transient errors should be retried with backoff: Store contention,
	// Notifier 5xx responses.
	Transient
	// Permanent errors should be surfaced, never retried: agent rejected
	// input, guardrail deny, allow-list rejection.
	Permanent
	// Policy errors are approval denials or expirations; they become a
	// structured reply to the user.
	Policy
	// Corruption marks an invariant violation. Fatal to the affected
	// task; the process keeps servicing other conversations.
	Corruption
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Policy:
		return "policy"
	case Corruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind so callers can
// errors.As into it without string-matching.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Transientf(err error, format string, args ...interface{}) *Error {
	return New(Transient, fmt.Sprintf(format, args...), err)
}

func Permanentf(err error, format string, args ...interface{}) *Error {
	return New(Permanent, fmt.Sprintf(format, args...), err)
}

func Policyf(err error, format string, args ...interface{}) *Error {
	return New(Policy, fmt.Sprintf(format, args...), err)
}

func Corruptionf(err error, format string, args ...interface{}) *Error {
	return New(Corruption, fmt.Sprintf(format, args...), err)
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and
// Unknown otherwise.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Unknown
}
