// Package errors defines the errors returned by the mutex packages.
//
// Callers tell the three failure kinds apart with the standard library:
//
//	errors.Is(err, mutexerrors.ErrTimeout)   // lock was never acquired
//	errors.As(err, &storeErr)                // backend failure
//	anything else                            // returned by the work itself
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout reports that a lock could not be acquired before the
	// caller's deadline. The protected work did not run.
	ErrTimeout          = errors.New("mutex: timeout acquiring lock")
	ErrConnectionClosed = errors.New("mutex: connection closed")
	ErrEmptyKey         = errors.New("mutex: empty key")
	ErrNilWork          = errors.New("mutex: nil work")
)

// TimeoutError carries the details of a failed acquisition.
type TimeoutError struct {
	Key      string
	Waited   time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mutex: timeout acquiring lock %q after %s (%d attempts)", e.Key, e.Waited, e.Attempts)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// StoreError wraps a failure reported by a store backend. The original
// error is available through Unwrap.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("mutex: store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsStoreError reports whether err originated from the store backend.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
