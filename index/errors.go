package index

import (
	"errors"
	"fmt"
)

// ErrCorrupted indicates that a segment file cannot be trusted. Engines
// treat any error wrapping it as unrecoverable and fail themselves.
var ErrCorrupted = errors.New("index corrupted")

// ErrWriterClosed is returned by writer operations after Close.
var ErrWriterClosed = errors.New("index writer is closed")

// ChecksumMismatchError reports a segment whose stored checksum does not
// match its content.
type ChecksumMismatchError struct {
	Path     string
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("segment %s: checksum mismatch (expected %08x, got %08x)", e.Path, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrCorrupted }
