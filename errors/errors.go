package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a job failure. Errors are recovered as close to their
// origin as possible; a Kind crosses a component boundary only when it
// changes the job's visible status.
type Kind string

const (
	KindTransient  Kind = "Transient"
	KindAuth       Kind = "Auth"
	KindQuota      Kind = "Quota"
	KindProtocol   Kind = "Protocol"
	KindValidation Kind = "Validation"
	KindFatal      Kind = "Fatal"
	KindCancelled  Kind = "Cancelled"
)

type kindError struct {
	kind  Kind
	cause error
}

func (e kindError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e kindError) Unwrap() error {
	return e.cause
}

// Wrap tags err with a failure kind. Wrapping a nil error returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, cause: err}
}

func Failf(kind Kind, format string, args ...interface{}) error {
	return kindError{kind: kind, cause: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost tagged kind of err, or KindFatal for untagged
// errors: anything that reaches a worker boundary without classification is
// treated as an internal failure.
func KindOf(err error) Kind {
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindFatal
}

func IsKind(err error, kind Kind) bool {
	var ke kindError
	return errors.As(err, &ke) && ke.kind == kind
}

// Special wrapper for errors that must not be retried regardless of kind.
type UnretriableError struct{ error }

func Unretriable(err error) error {
	return UnretriableError{err}
}

func (e UnretriableError) Unwrap() error {
	return e.error
}

// Returns whether the given error is an unretriable error. Auth and
// Validation failures are unretriable by definition.
func IsUnretriable(err error) bool {
	if errors.As(err, &UnretriableError{}) {
		return true
	}
	switch KindOf(err) {
	case KindAuth, KindValidation:
		return true
	}
	return false
}
