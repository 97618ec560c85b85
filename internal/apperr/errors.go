// Package apperr is the pipeline error taxonomy. Stage implementations wrap one
// of the sentinels with %w; the orchestrator branches on them with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrInput is malformed input. Never retried, surfaced immediately.
	ErrInput = errors.New("invalid input")
	// ErrClassificationUnavailable is a transient classifier failure; retried.
	ErrClassificationUnavailable = errors.New("classification unavailable")
	// ErrRetrievalUnavailable degrades the pipeline to empty snippets.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	// ErrCompositionUnavailable is fatal for the affected email.
	ErrCompositionUnavailable = errors.New("composition unavailable")
	// ErrPersistence is a ticket store failure; fatal for the affected email.
	ErrPersistence = errors.New("persistence error")
)

// Input wraps a formatted message as ErrInput.
func Input(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInput, fmt.Sprintf(format, args...))
}

// Wrap marks cause with a sentinel kind while keeping it in the chain.
func Wrap(kind error, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Kind returns the taxonomy label used in logs, metrics and FailedRecord.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return "input_error"
	case errors.Is(err, ErrClassificationUnavailable):
		return "classification_unavailable"
	case errors.Is(err, ErrRetrievalUnavailable):
		return "retrieval_unavailable"
	case errors.Is(err, ErrCompositionUnavailable):
		return "composition_unavailable"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "internal_error"
	}
}

// Retryable reports whether the orchestrator may retry the call that produced err.
func Retryable(err error) bool {
	return errors.Is(err, ErrClassificationUnavailable)
}
