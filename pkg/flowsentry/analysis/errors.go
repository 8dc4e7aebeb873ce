package analysis

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a dependency failure that a retry may cure. It is
// counted by circuit breakers and retried per node policy.
type TransientError struct {
	// Op is the operation that failed ("analyze", "validate", "invoke").
	Op string
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// Recoverable marks transient failures as routable to a recovery path.
func (e *TransientError) Recoverable() bool { return true }

// FatalError marks a dependency failure that retrying cannot fix. It aborts
// the current branch (or chunk) but never the whole run.
type FatalError struct {
	// Op is the operation that failed.
	Op string
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
// Context timeouts count as transient: the dependency may simply be slow.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
