// Package errors defines the error taxonomy shared by every filestore component.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Handlers map these onto HTTP status codes, so every error
// leaving a component should match exactly one of them via errors.Is.
var (
	// Startup
	ErrConfiguration = errors.New("invalid configuration")

	// Storage
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrBackend       = errors.New("storage backend failure")
	ErrUploadFailed  = errors.New("upload failed")

	// Callers
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

// FSError carries the failing operation, its kind and the underlying cause.
type FSError struct {
	Op      string // Operation that failed
	Kind    error  // Category of error
	Err     error  // Underlying error
	Details string // Additional details
}

// Error implements the error interface.
func (e *FSError) Error() string {
	if e.Details != "" {
		if e.Err == nil {
			return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Details)
		}
		return fmt.Sprintf("%s: %s: %v (%s)", e.Op, e.Kind, e.Err, e.Details)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying error.
func (e *FSError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches the kind or the cause.
func (e *FSError) Is(target error) bool {
	return errors.Is(e.Kind, target) || errors.Is(e.Err, target)
}

// E creates a new FSError.
func E(op string, kind error, err error, details ...string) error {
	e := &FSError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
	if len(details) > 0 {
		e.Details = details[0]
	}
	return e
}

// Wrap adds operation context to err without changing its kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FSError{
		Op:   op,
		Kind: KindOf(err),
		Err:  err,
	}
}

// KindOf returns the taxonomy kind err belongs to. Errors outside the
// taxonomy are reported as ErrBackend.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrConfiguration,
		ErrNotFound,
		ErrAlreadyExists,
		ErrInvalidInput,
		ErrUnauthorized,
		ErrForbidden,
		ErrUploadFailed,
		ErrBackend,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrBackend
}

// Is is errors.Is, re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported for the same reason as Is.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfiguration checks if the error is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsUnauthorized checks if the error is an unauthorized error.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsForbidden checks if the error is a forbidden error.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}
