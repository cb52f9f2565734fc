package models

import "time"

// Step is the position of a workflow instance in the processing pipeline.
type Step string

const (
	StepCreated     Step = "CREATED"
	StepExtracting  Step = "EXTRACTING"
	StepSummarizing Step = "SUMMARIZING"
	StepPersisting  Step = "PERSISTING"
	StepCompleted   Step = "COMPLETED"
	StepFailed      Step = "FAILED"
)

// Terminal reports whether no further transition can leave this step.
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Activity names as recorded in StepResult.StepName.
const (
	ActivityExtract   = "Extract"
	ActivitySummarize = "Summarize"
	ActivityPersist   = "Persist"
)

// Outcome values for StepResult.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// UploadEvent is the notification emitted when a new object lands in the input container.
type UploadEvent struct {
	ObjectID      string `json:"objectId"`
	ContainerName string `json:"containerName"`
	SizeBytes     int64  `json:"sizeBytes"`
}

// WorkflowInstance is the durable record of one triggered run.
// It is written to the state store after every transition so a run can be
// resumed from its history after a crash.
type WorkflowInstance struct {
	InstanceID  string       `firestore:"instanceId" json:"instanceId"`
	Input       string       `firestore:"input" json:"input"`
	CurrentStep Step         `firestore:"currentStep" json:"currentStep"`
	History     []StepResult `firestore:"history" json:"history"`
	// PendingAttempts counts failed attempts of the step in progress.
	PendingAttempts int `firestore:"pendingAttempts" json:"pendingAttempts"`
	// OutputStamp is fixed once before the first Persist attempt so every
	// retry and replay writes the same output name.
	OutputStamp  time.Time       `firestore:"outputStamp,omitempty" json:"outputStamp,omitempty"`
	Output       *OutputArtifact `firestore:"output,omitempty" json:"output,omitempty"`
	ErrorDetails string          `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	CreatedAt    time.Time       `firestore:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time       `firestore:"updatedAt" json:"updatedAt"`
	// Version is incremented by the store on every successful Save. A Save
	// carrying a stale version is rejected.
	Version int64 `firestore:"version" json:"version"`
}

// Recorded returns the history entry for the named activity, if any.
func (w *WorkflowInstance) Recorded(stepName string) (StepResult, bool) {
	for _, r := range w.History {
		if r.StepName == stepName {
			return r, true
		}
	}
	return StepResult{}, false
}

// Clone returns a copy that shares no mutable state with w.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	c := *w
	c.History = append([]StepResult(nil), w.History...)
	if w.Output != nil {
		out := *w.Output
		c.Output = &out
	}
	return &c
}

// StepResult is one immutable entry of an instance's history.
type StepResult struct {
	StepName     string `firestore:"stepName" json:"stepName"`
	AttemptCount int    `firestore:"attemptCount" json:"attemptCount"`
	Outcome      string `firestore:"outcome" json:"outcome"`
	// Payload holds the JSON encoded step output on success.
	Payload string `firestore:"payload,omitempty" json:"payload,omitempty"`
	// PayloadRef names the object holding Payload when it was too large to
	// keep in the instance.
	PayloadRef string    `firestore:"payloadRef,omitempty" json:"payloadRef,omitempty"`
	ErrorKind  string    `firestore:"errorKind,omitempty" json:"errorKind,omitempty"`
	Error      string    `firestore:"error,omitempty" json:"error,omitempty"`
	Timestamp  time.Time `firestore:"timestamp" json:"timestamp"`
}

// Succeeded reports whether the step completed successfully.
func (r StepResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// ExtractedDocument is the workflow-local output of the Extract step.
type ExtractedDocument struct {
	Text string `json:"text"`
}

// Summary is the output of the Summarize step.
type Summary struct {
	Content string `json:"content"`
}

// OutputArtifact names the object written by the Persist step.
type OutputArtifact struct {
	Name          string `firestore:"name" json:"name"`
	ContainerName string `firestore:"containerName" json:"containerName"`
}
