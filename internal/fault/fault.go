// Package fault classifies errors crossing component boundaries so that
// callers can decide between rejecting, skipping, recording and retrying.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	// Unknown is reported for errors that carry no classification.
	Unknown Kind = iota
	// Validation means the caller sent malformed or out-of-range input.
	Validation
	// NotFound means the addressed entity does not exist for the caller.
	NotFound
	// Provider means an external AI/fetch provider timed out, rejected the
	// input or returned something unusable. Recorded on the entity.
	Provider
	// Conflict means a conditioned transition lost to a concurrent writer
	// or stale state. Callers skip silently.
	Conflict
	// Transient means the store or bus was unavailable. Retry.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Provider:
		return "provider"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified error. Code is a stable machine-readable identifier
// persisted on entities and returned to clients.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and Code, which lets package
// level sentinels work with errors.Is after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// New returns a classified error.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == Transient,
	}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   code,
		Retryable: kind == Transient,
		Err:       err,
	}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
