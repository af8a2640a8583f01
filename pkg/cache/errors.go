package cache

import (
	"errors"
	"fmt"
)

// Error kinds reported by cache operations. Match them with errors.Is.
var (
	// ErrIOFailure indicates a snapshot location could not be read or written
	ErrIOFailure = errors.New("cache i/o failure")

	// ErrFormat indicates corrupt or version-incompatible snapshot data, or a
	// payload the codec could not handle
	ErrFormat = errors.New("invalid cache data")

	// ErrOversizedValue indicates a single value larger than the size limit
	ErrOversizedValue = errors.New("value exceeds cache size limit")

	// ErrValidation indicates an inconsistent cache configuration
	ErrValidation = errors.New("invalid cache configuration")
)

// Error describes a failed cache operation.
type Error struct {
	Op   string // "insert", "configure", "save", "load"
	Path string // snapshot path or redis key, if any
	Kind error  // one of the Err* kinds above
	Err  error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "cache " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, path string, kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}
