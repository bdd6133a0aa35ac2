package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for retry policy and stats.
type ErrorKind string

const (
	// KindInvalidInput marks malformed ingestion payloads. Rejected, never retried.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindUpstreamMismatch marks a collaborator response with the wrong shape.
	// The batch stays unprocessed and is retried next cycle.
	KindUpstreamMismatch ErrorKind = "upstream_mismatch"
	// KindUpstreamUnavailable marks timeouts and connection failures.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	// KindStorageFailure marks a failed durable write. Data is retained and retried.
	KindStorageFailure ErrorKind = "storage_failure"
	// KindQueueContention marks a lost claim race. Not an error; poll again.
	KindQueueContention ErrorKind = "queue_contention"
)

// PipelineError attaches an ErrorKind to an underlying error.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// WrapError builds a PipelineError of the given kind.
func WrapError(kind ErrorKind, err error) error {
	return &PipelineError{Kind: kind, Err: err}
}

// Errorf builds a PipelineError from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &PipelineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
