package models

import "time"

// These structs define the JSON payloads exchanged between the hosted
// Cloud Workflow and the step-worker HTTP functions.

// ExtractRequest is the input for the extract step.
type ExtractRequest struct {
	ObjectID    string `json:"objectId" validate:"required"`
	ExecutionID string `json:"executionId"`
}

// SummarizeRequest is the input for the summarize step.
type SummarizeRequest struct {
	Document    ExtractedDocument `json:"document"`
	ExecutionID string            `json:"executionId"`
}

// PersistRequest is the input for the persist step.
type PersistRequest struct {
	ObjectID string  `json:"objectId" validate:"required"`
	Summary  Summary `json:"summary"`
	// Stamp is the timestamp embedded in the output name. A zero value means
	// the time of the call.
	Stamp       time.Time `json:"stamp,omitempty"`
	ExecutionID string    `json:"executionId"`
}

// StepErrorResponse is returned by a step function that failed.
type StepErrorResponse struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}
