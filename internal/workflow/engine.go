// Package workflow drives document workflow instances through the
// Extract, Summarize and Persist activities.
//
// The engine is replay based: every run evaluates the control flow from the
// top and answers activities that already have a recorded result from the
// instance history instead of invoking them again. The instance is saved after
// every transition, so Resume continues exactly where a crashed process left
// off.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultResumeConcurrency = 8

	// DefaultMaxInlinePayload keeps the instance document well under the
	// 1 MiB Firestore document limit with two recorded payloads.
	DefaultMaxInlinePayload = 256 << 10
)

// errHalted stops the control flow once an instance has reached Failed.
var errHalted = errors.New("workflow halted")

// Activities are the three steps sequenced by the engine.
type Activities struct {
	Extract   Activity[string, *models.ExtractedDocument]
	Summarize Activity[models.ExtractedDocument, *models.Summary]
	Persist   Activity[models.PersistRequest, *models.OutputArtifact]
}

// EngineConfig tunes an Engine. Zero values take defaults.
type EngineConfig struct {
	Policy            Policy
	ResumeConcurrency int
	Sleep             func(ctx context.Context, d time.Duration) error
	Now               func() time.Time
	NewID             func() string

	// Payloads receives step outputs larger than MaxInlinePayload bytes,
	// under PayloadContainer. Without it such outputs fail the step.
	Payloads         PayloadStore
	PayloadContainer string
	MaxInlinePayload int
}

// Engine runs workflow instances. It is safe for concurrent use; each
// instance is driven by at most one goroutine of this process at a time.
type Engine struct {
	store  Store
	acts   Activities
	config EngineConfig

	mu      sync.Mutex
	running map[string]struct{}
}

// NewEngine creates an Engine over store.
func NewEngine(store Store, acts Activities, config EngineConfig) *Engine {
	config.Policy = config.Policy.normalize()
	if config.ResumeConcurrency <= 0 {
		config.ResumeConcurrency = defaultResumeConcurrency
	}
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	if config.MaxInlinePayload <= 0 {
		config.MaxInlinePayload = DefaultMaxInlinePayload
	}
	return &Engine{
		store:   store,
		acts:    acts,
		config:  config,
		running: make(map[string]struct{}),
	}
}

// Start creates a new instance for objectID and runs it to a terminal step.
// A workflow that ends in Failed is not an error; the returned error reports
// only infrastructure problems such as an unavailable store.
func (e *Engine) Start(ctx context.Context, objectID string) (*models.WorkflowInstance, error) {
	if objectID == "" {
		return nil, fmt.Errorf("objectID must not be empty")
	}
	now := e.config.Now()
	inst := &models.WorkflowInstance{
		InstanceID:  e.config.NewID(),
		Input:       objectID,
		CurrentStep: models.StepCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to create workflow instance: %w", err)
	}
	slog.Info("Workflow instance created.", "instanceId", inst.InstanceID, "objectId", objectID)
	return e.drive(ctx, inst)
}

// StartWorkflow starts an instance and returns its ID.
func (e *Engine) StartWorkflow(ctx context.Context, objectID string) (string, error) {
	inst, err := e.Start(ctx, objectID)
	if err != nil {
		return "", err
	}
	return inst.InstanceID, nil
}

// Resume loads an instance and continues it from its recorded history.
// Terminal instances are returned unchanged.
func (e *Engine) Resume(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow instance %s: %w", instanceID, err)
	}
	if inst.CurrentStep.Terminal() {
		return inst, nil
	}
	slog.Info("Resuming workflow instance.", "instanceId", instanceID, "currentStep", inst.CurrentStep, "recordedSteps", len(inst.History))
	return e.drive(ctx, inst)
}

// ResumePending resumes every non-terminal instance in the store and returns
// how many were driven to completion or failure.
func (e *Engine) ResumePending(ctx context.Context) (int, error) {
	pending, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active workflow instances: %w", err)
	}
	slog.Info("Recovering workflow instances.", "count", len(pending))

	var (
		eg      errgroup.Group
		mu      sync.Mutex
		resumed int
	)
	eg.SetLimit(e.config.ResumeConcurrency)
	for _, inst := range pending {
		eg.Go(func() error {
			_, err := e.Resume(ctx, inst.InstanceID)
			if errors.Is(err, ErrInstanceBusy) || errors.Is(err, ErrInstanceConflict) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("instance %s: %w", inst.InstanceID, err)
			}
			mu.Lock()
			resumed++
			mu.Unlock()
			return nil
		})
	}
	err = eg.Wait()
	return resumed, err
}

// Get returns the stored state of an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return e.store.Get(ctx, instanceID)
}

func (e *Engine) claim(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[instanceID]; ok {
		return false
	}
	e.running[instanceID] = struct{}{}
	return true
}

func (e *Engine) release(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, instanceID)
}

func (e *Engine) drive(ctx context.Context, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
	if !e.claim(inst.InstanceID) {
		return nil, ErrInstanceBusy
	}
	defer e.release(inst.InstanceID)

	r := &run{engine: e, inst: inst, logCtx: slog.With("instanceId", inst.InstanceID, "objectId", inst.Input)}
	if err := r.execute(ctx); err != nil && !errors.Is(err, errHalted) {
		return inst, err
	}
	return inst, nil
}

// run holds the state of one pass over an instance's control flow.
type run struct {
	engine *Engine
	inst   *models.WorkflowInstance
	logCtx *slog.Logger
}

func (r *run) execute(ctx context.Context) error {
	acts := r.engine.acts

	doc, err := call(ctx, r, models.ActivityExtract, models.StepExtracting, acts.Extract, r.inst.Input)
	if err != nil {
		return err
	}

	summary, err := call(ctx, r, models.ActivitySummarize, models.StepSummarizing, acts.Summarize, *doc)
	if err != nil {
		return err
	}

	if _, done := r.inst.Recorded(models.ActivityPersist); !done && r.inst.OutputStamp.IsZero() {
		r.inst.OutputStamp = r.engine.config.Now()
		if err := r.save(ctx); err != nil {
			return err
		}
	}
	artifact, err := call(ctx, r, models.ActivityPersist, models.StepPersisting, acts.Persist, models.PersistRequest{
		ObjectID: r.inst.Input,
		Summary:  *summary,
		Stamp:    r.inst.OutputStamp,
	})
	if err != nil {
		return err
	}

	r.inst.CurrentStep = models.StepCompleted
	r.inst.Output = artifact
	if err := r.save(ctx); err != nil {
		return err
	}
	r.logCtx.Info(fmt.Sprintf("Successfully uploaded summary to %s", artifact.Name), "container", artifact.ContainerName)
	return nil
}

// PayloadName is the object name under which an instance's step output is
// offloaded.
func PayloadName(instanceID, stepName string) string {
	return fmt.Sprintf("workflow-payloads/%s/%s.json", instanceID, stepName)
}

func (r *run) save(ctx context.Context) error {
	r.inst.UpdatedAt = r.engine.config.Now()
	if err := r.engine.store.Save(ctx, r.inst); err != nil {
		r.logCtx.Error("Failed to persist workflow instance", "error", err, "currentStep", r.inst.CurrentStep)
		return fmt.Errorf("failed to save workflow instance: %w", err)
	}
	return nil
}

// call answers an activity from history when possible and otherwise runs it
// under the retry policy, recording the outcome.
func call[I, O any](ctx context.Context, r *run, name string, state models.Step, act Activity[I, O], input I) (O, error) {
	var zero O
	if rec, ok := r.inst.Recorded(name); ok {
		if !rec.Succeeded() {
			return zero, errHalted
		}
		payload, err := r.loadPayload(ctx, rec)
		if err != nil {
			return zero, err
		}
		var out O
		if err := json.Unmarshal(payload, &out); err != nil {
			return zero, fmt.Errorf("failed to decode recorded %s result: %w", name, err)
		}
		r.logCtx.Debug("Replayed step from history.", "step", name)
		return out, nil
	}

	if r.inst.CurrentStep != state {
		r.inst.CurrentStep = state
		r.inst.PendingAttempts = 0
		if err := r.save(ctx); err != nil {
			return zero, err
		}
	}

	logCtx := r.logCtx.With("step", name)
	logCtx.Info("Starting step.", "previousAttempts", r.inst.PendingAttempts)
	e := r.engine
	out, attempts, err := ExecuteWithRetry(ctx, act, input, e.config.Policy, RetryHooks{
		PreviousAttempts: r.inst.PendingAttempts,
		Sleep:            e.config.Sleep,
		OnRetry: func(attempt int, err error) error {
			logCtx.Warn("Step failed, will retry.",
				"attempt", attempt,
				"maxAttempts", e.config.Policy.MaxAttempts,
				"backoff", e.config.Policy.Delay(attempt).String(),
				"error", err,
			)
			r.inst.PendingAttempts = attempt
			r.inst.ErrorDetails = err.Error()
			return r.save(ctx)
		},
	})

	switch {
	case err == nil:
		payload, merr := json.Marshal(out)
		if merr != nil {
			return zero, fmt.Errorf("failed to encode %s result: %w", name, merr)
		}
		rec := models.StepResult{
			StepName:     name,
			AttemptCount: attempts,
			Outcome:      models.OutcomeSuccess,
			Timestamp:    e.config.Now(),
		}
		if err := r.storePayload(ctx, &rec, payload); err != nil {
			if errors.Is(err, models.ErrPayloadTooLarge) {
				return zero, r.fail(ctx, logCtx, name, attempts, err)
			}
			return zero, err
		}

		r.inst.History = append(r.inst.History, rec)
		r.inst.PendingAttempts = 0
		r.inst.ErrorDetails = ""
		if err := r.save(ctx); err != nil {
			if errors.Is(err, ErrInstanceTooLarge) {
				r.inst.History = r.inst.History[:len(r.inst.History)-1]
				return zero, r.fail(ctx, logCtx, name, attempts, models.NewStepError(models.ErrPayloadTooLarge, err))
			}
			return zero, err
		}
		logCtx.Info("Step succeeded.", "attempts", attempts, "offloaded", rec.PayloadRef != "")
		return out, nil

	case errors.Is(err, ErrRetriesExhausted):
		return zero, r.fail(ctx, logCtx, name, attempts, err)

	default:
		// Cancellation, a conflict or a store failure: leave the instance
		// resumable.
		logCtx.Warn("Step interrupted; instance left for recovery.", "error", err)
		return zero, err
	}
}

// fail records a permanent failure of the named step and moves the instance
// to Failed. It returns errHalted once the failure is saved.
func (r *run) fail(ctx context.Context, logCtx *slog.Logger, name string, attempts int, err error) error {
	r.inst.History = append(r.inst.History, models.StepResult{
		StepName:     name,
		AttemptCount: attempts,
		Outcome:      models.OutcomeFailure,
		ErrorKind:    models.ErrorKind(err),
		Error:        err.Error(),
		Timestamp:    r.engine.config.Now(),
	})
	r.inst.CurrentStep = models.StepFailed
	r.inst.PendingAttempts = 0
	r.inst.ErrorDetails = err.Error()
	if serr := r.save(ctx); serr != nil {
		return serr
	}
	logCtx.Error("Step failed permanently; workflow failed.", "attempts", attempts, "errorKind", models.ErrorKind(err), "error", err)
	return errHalted
}

// storePayload keeps payload inline in rec or, above the inline limit,
// writes it to the payload store and records its name.
func (r *run) storePayload(ctx context.Context, rec *models.StepResult, payload []byte) error {
	cfg := r.engine.config
	if len(payload) <= cfg.MaxInlinePayload {
		rec.Payload = string(payload)
		return nil
	}
	if cfg.Payloads == nil {
		return models.NewStepError(models.ErrPayloadTooLarge,
			fmt.Errorf("%s output is %d bytes, limit is %d and no payload store is configured", rec.StepName, len(payload), cfg.MaxInlinePayload))
	}
	name := PayloadName(r.inst.InstanceID, rec.StepName)
	if err := cfg.Payloads.Write(ctx, cfg.PayloadContainer, name, payload); err != nil {
		return fmt.Errorf("failed to offload %s output: %w", rec.StepName, err)
	}
	r.logCtx.Info("Step output offloaded.", "step", rec.StepName, "bytes", len(payload), "container", cfg.PayloadContainer, "object", name)
	rec.PayloadRef = name
	return nil
}

func (r *run) loadPayload(ctx context.Context, rec models.StepResult) ([]byte, error) {
	if rec.PayloadRef == "" {
		return []byte(rec.Payload), nil
	}
	cfg := r.engine.config
	if cfg.Payloads == nil {
		return nil, fmt.Errorf("recorded %s output is in %s but no payload store is configured", rec.StepName, rec.PayloadRef)
	}
	data, err := cfg.Payloads.Read(ctx, cfg.PayloadContainer, rec.PayloadRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load recorded %s output: %w", rec.StepName, err)
	}
	return data, nil
}
