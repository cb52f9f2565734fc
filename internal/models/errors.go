package models

import (
	"errors"
	"fmt"
)

// Step failure kinds. All of them are transient and retried by the engine.
var (
	ErrExtractionFailed    = errors.New("ExtractionFailed")
	ErrSummarizationFailed = errors.New("SummarizationFailed")
	ErrPersistFailed       = errors.New("PersistFailed")
)

// ErrPayloadTooLarge marks a step output that could not be recorded because
// it exceeds what the state store accepts. It is not retried.
var ErrPayloadTooLarge = errors.New("PayloadTooLarge")

// ErrObjectNotFound is returned by object stores for a missing object.
var ErrObjectNotFound = errors.New("object not found")

// StepError classifies a step failure with one of the kinds above.
type StepError struct {
	Kind error
	Err  error
}

// NewStepError wraps err with the given failure kind.
func NewStepError(kind, err error) *StepError {
	return &StepError{Kind: kind, Err: err}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ErrorKind returns the failure kind name carried by err, or "Unknown".
func ErrorKind(err error) string {
	for _, kind := range []error{ErrExtractionFailed, ErrSummarizationFailed, ErrPersistFailed, ErrPayloadTooLarge} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "Unknown"
}
