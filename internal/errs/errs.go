// Package errs classifies errors into the kinds the rest of the system keys
// off: validation and precondition failures are rejected without touching
// state, transient failures may be retried, external failures degrade.
package errs

import (
	"errors"
	"fmt"
)

// Kind partitions errors by how callers must react to them.
type Kind uint8

const (
	Unknown Kind = iota
	// Validation: malformed input (bad side, non-positive qty, ownership mismatch).
	Validation
	// Precondition: well-formed but not executable (insufficient position/balance).
	Precondition
	// NotFound: the referenced entity does not exist.
	NotFound
	// Conflict: attempt to mutate a terminal-state row.
	Conflict
	// Transient: store failure that may succeed on retry.
	Transient
	// External: external venue failure; callers degrade, never propagate.
	External
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Precondition:
		return "precondition"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Errors without a kind report Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
