// Package ferrors defines the typed error taxonomy the record/task/service
// core produces, so callers can errors.Is/errors.As instead of matching on
// wrapped string text.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the error-handling design.
type Kind string

const (
	NotFound          Kind = "not_found"
	AlreadyExists     Kind = "already_exists"
	InvalidTransition Kind = "invalid_transition"
	LimitExceeded     Kind = "limit_exceeded"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	ComputationFailed Kind = "computation_failed"
	DeveloperError    Kind = "developer_error"
)

// sentinels let callers match a kind with errors.Is(err, ferrors.ErrNotFound).
var (
	ErrNotFound          = &Error{Kind: NotFound}
	ErrAlreadyExists     = &Error{Kind: AlreadyExists}
	ErrInvalidTransition = &Error{Kind: InvalidTransition}
	ErrLimitExceeded     = &Error{Kind: LimitExceeded}
	ErrUnauthorized      = &Error{Kind: Unauthorized}
	ErrForbidden         = &Error{Kind: Forbidden}
	ErrComputationFailed = &Error{Kind: ComputationFailed}
	ErrDeveloperError    = &Error{Kind: DeveloperError}
)

// Error carries a Kind plus a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ferrors.ErrNotFound) match any *Error of the same Kind,
// regardless of Message/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func AlreadyExistsf(format string, args ...any) *Error {
	return New(AlreadyExists, fmt.Sprintf(format, args...))
}

func InvalidTransitionf(format string, args ...any) *Error {
	return New(InvalidTransition, fmt.Sprintf(format, args...))
}

func LimitExceededf(format string, args ...any) *Error {
	return New(LimitExceeded, fmt.Sprintf(format, args...))
}

func DeveloperErrorf(format string, args ...any) *Error {
	return New(DeveloperError, fmt.Sprintf(format, args...))
}

func ComputationFailedf(format string, args ...any) *Error {
	return New(ComputationFailed, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from err, walking the wrap chain. Returns ("", false)
// if err is not (or does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
