package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the core.
type ErrorKind string

const (
	// KindDataUnavailable means a store read or write failed. Transient; callers may retry.
	KindDataUnavailable ErrorKind = "data_unavailable"
	// KindNotFound means a referenced user, message or conversation is absent.
	KindNotFound ErrorKind = "not_found"
	// KindValidation means the input was malformed and was rejected before any write.
	KindValidation ErrorKind = "validation_failure"
)

// Sentinels matched by errors.Is for each kind.
var (
	ErrDataUnavailable = errors.New("data unavailable")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failure")
)

// Error carries a kind, the failing operation and the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	sentinel := sentinelFor(e.Kind)
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, sentinel, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, sentinel)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", sentinel, e.Err)
	default:
		return sentinel.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// Unavailable wraps err as a DataUnavailable failure of op.
func Unavailable(op string, err error) error {
	return &Error{Kind: KindDataUnavailable, Op: op, Err: err}
}

// NotFound reports that op could not find what it referenced.
func NotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// Invalid wraps err as a ValidationFailure of op.
func Invalid(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDataUnavailable):
		return KindDataUnavailable
	default:
		return ""
	}
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	default:
		return ErrDataUnavailable
	}
}
