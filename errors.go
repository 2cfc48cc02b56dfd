package querycache

import (
	"errors"
	"fmt"
)

// NetworkError marks a transient transport failure. Queries retry these up
// to the configured count before surfacing StatusError; mutations never
// retry (a remote write is not known to be idempotent) but roll back and
// return the error as-is.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("querycache: network: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Network wraps err so the query executor treats it as retryable.
// Fetchers decide what counts as transient; anything not wrapped is final.
func Network(err error) error {
	if err == nil {
		return nil
	}
	return &NetworkError{Err: err}
}

// ValidationError marks a remote rejection of the submitted input. It is
// never retried; a mutation that receives one rolls back exactly like on a
// network failure and hands the error to the caller.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("querycache: validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// Validation wraps a server-side rejection.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Err: err}
}

// StaleWriteError reports that a mutation succeeded remotely but one of its
// touched entries was invalidated or rolled over while the write was in
// flight, so the reconciled value may already be superseded. The mutation's
// result is still returned alongside it.
type StaleWriteError struct {
	Keys []string // canonical keys whose generation moved mid-mutation
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("querycache: %d touched entr(ies) superseded during mutation", len(e.Keys))
}

// retryable reports whether the query executor may re-issue the fetch.
func retryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
