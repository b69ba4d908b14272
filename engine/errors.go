package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation once the engine has been
	// closed or failed.
	ErrClosed = errors.New("engine is closed")

	// ErrUnsupported is returned when an operation is not supported by the
	// engine variant, e.g. a write against a read-only engine.
	ErrUnsupported = errors.New("operation not supported by engine")

	// ErrFlushOngoing is returned by Flush with waitIfOngoing=false while
	// another flush holds the flush lock.
	ErrFlushOngoing = errors.New("another flush is already running")

	// ErrDocExists is returned by Create when the document id is already
	// present.
	ErrDocExists = errors.New("document already exists")

	// ErrRefreshFailed and ErrFlushFailed classify I/O failures of the
	// corresponding operations. The underlying cause is wrapped.
	ErrRefreshFailed = errors.New("refresh failed")
	ErrFlushFailed   = errors.New("flush failed")
)

// FailedError is the preserved cause of an engine failure. Once an engine
// has failed, every subsequent operation returns an error wrapping both
// ErrClosed and the original FailedError, so callers can distinguish a
// fenced engine from an ordinarily closed one.
type FailedError struct {
	Reason string
	Cause  error
}

func (e *FailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("engine failed: %s", e.Reason)
	}
	return fmt.Sprintf("engine failed: %s: %v", e.Reason, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }
