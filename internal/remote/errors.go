package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fetch failures. Transient failures are retryable on a
// later run (the planner will re-propose the range); Fatal failures halt the
// whole update run.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// FetchError wraps a remote failure with its classification.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable fetch failure.
func Transient(err error) *FetchError {
	return &FetchError{Kind: KindTransient, Err: err}
}

// Fatal wraps err as a run-halting fetch failure (lost auth, bad session).
func Fatal(err error) *FetchError {
	return &FetchError{Kind: KindFatal, Err: err}
}

// IsFatal reports whether err carries a fatal fetch classification.
func IsFatal(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindFatal
}
