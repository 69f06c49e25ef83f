package activity

import (
	"errors"
	"fmt"
)

// NoRetry marks an error as non-retryable.
//
// Activities can wrap validation errors or other permanent failures with
// NoRetry so the client won't waste attempts retrying.
//
// Example:
//
//	return activity.NoRetry(fmt.Errorf("bad route: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
