// Package errs defines the error taxonomy of the content pipeline. Nothing
// here should ever reach an end user: constraint violations are resolved by a
// re-read, classification failures degrade to a safe default, and a vanished
// async target is a logged no-op.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes a pipeline error for logging and handling decisions.
type Kind string

const (
	// KindConstraintViolation marks a benign uniqueness race; retried once as
	// a re-read, never surfaced to the caller.
	KindConstraintViolation Kind = "constraint_violation"
	// KindClassificationUnavailable marks missing configuration or a transport
	// failure of the classification provider; degrades to a safe default.
	KindClassificationUnavailable Kind = "classification_unavailable"
	// KindClassificationTimeout is treated like KindClassificationUnavailable.
	KindClassificationTimeout Kind = "classification_timeout"
	// KindTargetVanished marks an async write whose target no longer exists.
	KindTargetVanished Kind = "target_vanished"
	// KindInvalidState marks an operation against a record whose state does
	// not allow it; the record is left unchanged.
	KindInvalidState Kind = "invalid_state"
)

// Error carries a kind, a message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or "" if err is not a pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
