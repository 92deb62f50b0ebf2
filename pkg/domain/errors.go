package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound signals that the target document disappeared between enqueue
// and execution. Jobs that hit it become no-ops.
var ErrNotFound = errors.New("document not found")

// UnsupportedFormatError marks a file extension no parser is registered for.
// Input-caused and deterministic: never retried.
type UnsupportedFormatError struct {
	Extension string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported file format: %q", e.Extension)
}

// ParseError marks a recognized but unreadable file. Input-caused and
// deterministic: never retried.
type ParseError struct {
	Filename string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Filename, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransientError wraps an environment-caused failure (network, service
// unavailability) that is worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError unless it already carries a
// permanent classification.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var uf *UnsupportedFormatError
	var pe *ParseError
	var ve *ValidationError
	if errors.As(err, &uf) || errors.As(err, &pe) || errors.As(err, &ve) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// ValidationError marks a request rejected before it enters the job
// pipeline: unknown document, wrong owner, unsupported content type.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsTransient reports whether err should go through the bounded retry
// policy. Timeouts count as transient; everything permanent does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
