// Package apperr defines the error kinds surfaced by a delivery run.
//
// Every error that crosses a component boundary is an *Error carrying the
// failed operation, one of the sentinel kinds below, and the underlying
// cause. errors.Is matches both the kind and anything in the cause chain.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Compare with errors.Is.
var (
	// ErrConfiguration marks a missing or invalid parameter. Fatal before
	// any external call is made.
	ErrConfiguration = errors.New("configuration error")

	// ErrTemplateType marks an unrecognized template type. It is also a
	// configuration error.
	ErrTemplateType = fmt.Errorf("%w: unknown template type", ErrConfiguration)

	// ErrCatalogQuery marks a failed eligibility query.
	ErrCatalogQuery = errors.New("catalog query failed")

	// ErrCatalogUpdate marks a failed status transition.
	ErrCatalogUpdate = errors.New("catalog update failed")

	// ErrNotFound marks a source object that does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrTransferIO marks a read or write failure for a single file.
	ErrTransferIO = errors.New("transfer failed")

	// ErrSession marks a failure to open or use a transport session.
	ErrSession = errors.New("session error")

	// ErrTimeout marks a run that exceeded its deadline.
	ErrTimeout = errors.New("deadline exceeded")
)

// Error wraps a cause with the operation that failed and its kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

// New returns an *Error for op. err may be nil when the kind says it all.
func New(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Configf builds a configuration error with a formatted message.
func Configf(op, format string, args ...any) *Error {
	return New(op, ErrConfiguration, fmt.Errorf(format, args...))
}
