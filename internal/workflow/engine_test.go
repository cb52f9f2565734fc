package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documentsummaryflow/internal/memstore"
	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"github.com/Lllllllleong/documentsummaryflow/internal/services"
	"github.com/Lllllllleong/documentsummaryflow/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 45, 123456000, time.UTC)

type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  int
	pages  [][]string
	errs   []error
	called chan struct{}
	block  chan struct{}
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, _ models.AnalyzeRequest) (*models.AnalyzeResult, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()

	if a.called != nil {
		a.called <- struct{}{}
	}
	if a.block != nil {
		<-a.block
	}
	if call <= len(a.errs) && a.errs[call-1] != nil {
		return nil, a.errs[call-1]
	}
	res := &models.AnalyzeResult{}
	for i, lines := range a.pages {
		page := models.Page{PageNumber: i + 1}
		for _, l := range lines {
			page.Lines = append(page.Lines, models.Line{Content: l})
		}
		res.Pages = append(res.Pages, page)
	}
	return res, nil
}

func (a *fakeAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   int
	inputs  []string
	failFor int
	always  bool
}

func (s *fakeSummarizer) Summarize(_ context.Context, text string) (*models.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.inputs = append(s.inputs, text)
	if s.always || s.calls <= s.failFor {
		return nil, errors.New("summarization backend unavailable")
	}
	return &models.Summary{Content: "summary #" + string(rune('0'+s.calls))}, nil
}

type harness struct {
	store      *memstore.InstanceStore
	objects    *memstore.ObjectStore
	analyzer   *fakeAnalyzer
	summarizer services.Summarizer
	persists   int
	delays     []time.Duration
	engine     *workflow.Engine
}

func newHarness(t *testing.T, analyzer *fakeAnalyzer, summarizer services.Summarizer) *harness {
	t.Helper()
	return newHarnessWith(t, analyzer, summarizer, nil, nil)
}

// newHarnessWith lets a test wrap the instance store and adjust the engine
// configuration.
func newHarnessWith(t *testing.T, analyzer *fakeAnalyzer, summarizer services.Summarizer,
	wrap func(workflow.Store) workflow.Store, tune func(*harness, *workflow.EngineConfig)) *harness {
	t.Helper()
	h := &harness{
		store:      memstore.NewInstanceStore(),
		objects:    memstore.NewObjectStore(),
		analyzer:   analyzer,
		summarizer: summarizer,
	}
	h.objects.Put("input", "report.pdf", []byte("%PDF-1.7 fake"))

	extract := services.NewExtract(h.objects, analyzer, func([]byte) (int, error) { return 1, nil }, services.ExtractConfig{InputContainer: "input"})
	summarize := services.NewSummarize(summarizer)
	persist := services.NewPersist(h.objects, services.PersistConfig{OutputContainer: "output"})

	var store workflow.Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}

	var mu sync.Mutex
	config := workflow.EngineConfig{
		Policy: workflow.DefaultPolicy(),
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			h.delays = append(h.delays, d)
			mu.Unlock()
			return nil
		},
		Now:   func() time.Time { return fixedNow },
		NewID: func() string { return "inst-1" },
	}
	if tune != nil {
		tune(h, &config)
	}
	h.engine = workflow.NewEngine(store, workflow.Activities{
		Extract:   extract.Process,
		Summarize: summarize.Process,
		Persist: func(ctx context.Context, req models.PersistRequest) (*models.OutputArtifact, error) {
			mu.Lock()
			h.persists++
			mu.Unlock()
			return persist.Process(ctx, req)
		},
	}, config)
	return h
}

func TestEngine_EndToEndWithPlaceholderSummary(t *testing.T) {
	analyzer := &fakeAnalyzer{pages: [][]string{{"Quarterly results improved."}}}
	h := newHarness(t, analyzer, services.PlaceholderSummarizer{})

	inst, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, inst.CurrentStep)
	require.NotNil(t, inst.Output)
	assert.Equal(t, "report-pdf-2024-05-01 12:30:45-123456.txt", inst.Output.Name)
	assert.Equal(t, "output", inst.Output.ContainerName)

	assert.Equal(t, []string{inst.Output.Name}, h.objects.Names("output"))
	body, err := h.objects.Read(context.Background(), "output", inst.Output.Name)
	require.NoError(t, err)
	assert.Equal(t, services.PlaceholderSummary, string(body))

	require.Len(t, inst.History, 3)
	for i, name := range []string{models.ActivityExtract, models.ActivitySummarize, models.ActivityPersist} {
		assert.Equal(t, name, inst.History[i].StepName)
		assert.True(t, inst.History[i].Succeeded())
		assert.Equal(t, 1, inst.History[i].AttemptCount)
	}
	assert.JSONEq(t, `{"text":"Quarterly results improved."}`, inst.History[0].Payload)

	stored, err := h.store.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, inst, stored)
}

func TestEngine_ExtractConcatenatesPagesWithoutSeparators(t *testing.T) {
	analyzer := &fakeAnalyzer{pages: [][]string{{"A", "B"}, {"C"}}}
	summarizer := &fakeSummarizer{}
	h := newHarness(t, analyzer, summarizer)

	_, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC"}, summarizer.inputs)
}

func TestEngine_RetriesSummarizeUntilThirdAttempt(t *testing.T) {
	summarizer := &fakeSummarizer{failFor: 2}
	h := newHarness(t, &fakeAnalyzer{pages: [][]string{{"text"}}}, summarizer)

	inst, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, inst.CurrentStep)
	rec, ok := inst.Recorded(models.ActivitySummarize)
	require.True(t, ok)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.JSONEq(t, `{"content":"summary #3"}`, rec.Payload)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, h.delays)

	body, err := h.objects.Read(context.Background(), "output", inst.Output.Name)
	require.NoError(t, err)
	assert.Equal(t, "summary #3", string(body))
}

func TestEngine_ExhaustedStepFailsWorkflow(t *testing.T) {
	summarizer := &fakeSummarizer{always: true}
	h := newHarness(t, &fakeAnalyzer{pages: [][]string{{"text"}}}, summarizer)

	inst, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err, "a failed workflow is not an error for the caller")

	assert.Equal(t, models.StepFailed, inst.CurrentStep)
	assert.Equal(t, 3, summarizer.calls)
	assert.Zero(t, h.persists, "persist must not run after summarize fails")
	assert.Empty(t, h.objects.Names("output"))

	require.Len(t, inst.History, 2)
	failed := inst.History[1]
	assert.Equal(t, models.ActivitySummarize, failed.StepName)
	assert.Equal(t, models.OutcomeFailure, failed.Outcome)
	assert.Equal(t, 3, failed.AttemptCount)
	assert.Equal(t, "SummarizationFailed", failed.ErrorKind)
	assert.NotEmpty(t, inst.ErrorDetails)
}

func TestEngine_MissingInputFailsWithExtractionFailed(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	h := newHarness(t, analyzer, &fakeSummarizer{})

	inst, err := h.engine.Start(context.Background(), "missing.pdf")
	require.NoError(t, err)

	assert.Equal(t, models.StepFailed, inst.CurrentStep)
	require.Len(t, inst.History, 1)
	assert.Equal(t, "ExtractionFailed", inst.History[0].ErrorKind)
	assert.Zero(t, analyzer.Calls())
}

func TestEngine_ResumeReplaysRecordedExtract(t *testing.T) {
	analyzer := &fakeAnalyzer{pages: [][]string{{"should not be used"}}}
	summarizer := &fakeSummarizer{}
	h := newHarness(t, analyzer, summarizer)

	crashed := &models.WorkflowInstance{
		InstanceID:  "crashed",
		Input:       "report.pdf",
		CurrentStep: models.StepSummarizing,
		History: []models.StepResult{{
			StepName:     models.ActivityExtract,
			AttemptCount: 1,
			Outcome:      models.OutcomeSuccess,
			Payload:      `{"text":"recorded text"}`,
			Timestamp:    fixedNow,
		}},
		CreatedAt: fixedNow,
	}
	require.NoError(t, h.store.Create(context.Background(), crashed))

	inst, err := h.engine.Resume(context.Background(), "crashed")
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, inst.CurrentStep)
	assert.Zero(t, analyzer.Calls(), "recorded extract must not be re-run")
	assert.Equal(t, []string{"recorded text"}, summarizer.inputs)
	assert.Len(t, inst.History, 3)
}

func TestEngine_ResumeKeepsAttemptBudget(t *testing.T) {
	summarizer := &fakeSummarizer{always: true}
	h := newHarness(t, &fakeAnalyzer{}, summarizer)

	crashed := &models.WorkflowInstance{
		InstanceID:      "mid-retry",
		Input:           "report.pdf",
		CurrentStep:     models.StepSummarizing,
		PendingAttempts: 2,
		History: []models.StepResult{{
			StepName: models.ActivityExtract, AttemptCount: 1, Outcome: models.OutcomeSuccess,
			Payload: `{"text":"t"}`, Timestamp: fixedNow,
		}},
		CreatedAt: fixedNow,
	}
	require.NoError(t, h.store.Create(context.Background(), crashed))

	inst, err := h.engine.Resume(context.Background(), "mid-retry")
	require.NoError(t, err)

	assert.Equal(t, models.StepFailed, inst.CurrentStep)
	assert.Equal(t, 1, summarizer.calls)
	rec, ok := inst.Recorded(models.ActivitySummarize)
	require.True(t, ok)
	assert.Equal(t, 3, rec.AttemptCount)
}

func TestEngine_ResumePersistReusesOutputName(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{}, &fakeSummarizer{})
	stamp := time.Date(2023, 1, 2, 3, 4, 5, 6000, time.UTC)

	// The first Persist attempt wrote the object before the process died.
	name := services.OutputName("report.pdf", stamp)
	h.objects.Put("output", name, []byte("first write"))

	crashed := &models.WorkflowInstance{
		InstanceID:  "persisting",
		Input:       "report.pdf",
		CurrentStep: models.StepPersisting,
		OutputStamp: stamp,
		History: []models.StepResult{
			{StepName: models.ActivityExtract, AttemptCount: 1, Outcome: models.OutcomeSuccess, Payload: `{"text":"t"}`},
			{StepName: models.ActivitySummarize, AttemptCount: 1, Outcome: models.OutcomeSuccess, Payload: `{"content":"s"}`},
		},
		CreatedAt: fixedNow,
	}
	require.NoError(t, h.store.Create(context.Background(), crashed))

	inst, err := h.engine.Resume(context.Background(), "persisting")
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, inst.CurrentStep)
	assert.Equal(t, name, inst.Output.Name)
	assert.Equal(t, []string{name}, h.objects.Names("output"), "no duplicate artifact")
}

func TestEngine_ResumeTerminalInstanceIsNoop(t *testing.T) {
	analyzer := &fakeAnalyzer{pages: [][]string{{"x"}}}
	h := newHarness(t, analyzer, &fakeSummarizer{})

	first, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err)
	saves := h.store.Saves()

	again, err := h.engine.Resume(context.Background(), first.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, analyzer.Calls())
	assert.Equal(t, saves, h.store.Saves())
}

func TestEngine_ResumeUnknownInstance(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{}, &fakeSummarizer{})

	_, err := h.engine.Resume(context.Background(), "nope")
	assert.ErrorIs(t, err, workflow.ErrInstanceNotFound)
}

func TestEngine_ResumePending(t *testing.T) {
	analyzer := &fakeAnalyzer{pages: [][]string{{"x"}}}
	h := newHarness(t, analyzer, &fakeSummarizer{})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, h.store.Create(ctx, &models.WorkflowInstance{
			InstanceID: id, Input: "report.pdf", CurrentStep: models.StepCreated, CreatedAt: fixedNow,
		}))
	}
	require.NoError(t, h.store.Create(ctx, &models.WorkflowInstance{
		InstanceID: "done", Input: "report.pdf", CurrentStep: models.StepCompleted, CreatedAt: fixedNow,
	}))

	n, err := h.engine.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := h.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 2, analyzer.Calls())
}

func TestEngine_InstanceIsDrivenOnce(t *testing.T) {
	analyzer := &fakeAnalyzer{
		pages:  [][]string{{"x"}},
		called: make(chan struct{}, 1),
		block:  make(chan struct{}),
	}
	h := newHarness(t, analyzer, &fakeSummarizer{})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Start(context.Background(), "report.pdf")
		done <- err
	}()

	<-analyzer.called
	_, err := h.engine.Resume(context.Background(), "inst-1")
	assert.ErrorIs(t, err, workflow.ErrInstanceBusy)

	close(analyzer.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, analyzer.Calls())
}

type failingStore struct {
	workflow.Store
	failSaves bool
}

func (s *failingStore) Save(ctx context.Context, inst *models.WorkflowInstance) error {
	if s.failSaves {
		return errors.New("firestore unavailable")
	}
	return s.Store.Save(ctx, inst)
}

func TestEngine_StoreFailureLeavesInstanceResumable(t *testing.T) {
	inner := memstore.NewInstanceStore()
	store := &failingStore{Store: inner, failSaves: true}
	objects := memstore.NewObjectStore()
	objects.Put("input", "report.pdf", []byte("pdf"))
	extract := services.NewExtract(objects, &fakeAnalyzer{pages: [][]string{{"x"}}}, func([]byte) (int, error) { return 1, nil }, services.ExtractConfig{InputContainer: "input"})

	engine := workflow.NewEngine(store, workflow.Activities{
		Extract:   extract.Process,
		Summarize: services.NewSummarize(services.PlaceholderSummarizer{}).Process,
		Persist:   services.NewPersist(objects, services.PersistConfig{OutputContainer: "output"}).Process,
	}, workflow.EngineConfig{NewID: func() string { return "flaky" }, Now: func() time.Time { return fixedNow }})

	_, err := engine.Start(context.Background(), "report.pdf")
	require.Error(t, err)

	stored, err := inner.Get(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, models.StepCreated, stored.CurrentStep)

	store.failSaves = false
	inst, err := engine.Resume(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, inst.CurrentStep)
}

func TestEngine_StartRequiresObjectID(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{}, &fakeSummarizer{})
	_, err := h.engine.Start(context.Background(), "")
	assert.Error(t, err)
}

func TestEngine_StartWorkflowReturnsInstanceID(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{pages: [][]string{{"x"}}}, &fakeSummarizer{})
	id, err := h.engine.StartWorkflow(context.Background(), "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", id)
}

// sizeLimitedStore rejects instances whose encoding exceeds limit, the way
// Firestore rejects documents over 1 MiB.
type sizeLimitedStore struct {
	workflow.Store
	limit    int
	rejected int
}

func (s *sizeLimitedStore) Save(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if len(data) > s.limit {
		s.rejected++
		return fmt.Errorf("instance %s is %d bytes: %w", inst.InstanceID, len(data), workflow.ErrInstanceTooLarge)
	}
	return s.Store.Save(ctx, inst)
}

func largeDocument() *fakeAnalyzer {
	return &fakeAnalyzer{pages: [][]string{{strings.Repeat("x", 2<<20)}}}
}

func withSizeLimit(limited **sizeLimitedStore) func(workflow.Store) workflow.Store {
	return func(inner workflow.Store) workflow.Store {
		*limited = &sizeLimitedStore{Store: inner, limit: 1 << 20}
		return *limited
	}
}

func TestEngine_LargeOutputIsOffloaded(t *testing.T) {
	analyzer := largeDocument()
	var limited *sizeLimitedStore
	h := newHarnessWith(t, analyzer, services.PlaceholderSummarizer{}, withSizeLimit(&limited), func(h *harness, c *workflow.EngineConfig) {
		c.Payloads = h.objects
		c.PayloadContainer = "payloads"
	})

	inst, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, inst.CurrentStep)
	assert.Equal(t, 1, analyzer.Calls())
	assert.Zero(t, limited.rejected)

	rec, ok := inst.Recorded(models.ActivityExtract)
	require.True(t, ok)
	assert.Equal(t, workflow.PayloadName("inst-1", models.ActivityExtract), rec.PayloadRef)
	assert.Empty(t, rec.Payload)

	data, err := h.objects.Read(context.Background(), "payloads", rec.PayloadRef)
	require.NoError(t, err)
	var doc models.ExtractedDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Len(t, doc.Text, 2<<20)
}

func TestEngine_OversizedInstanceFailsInsteadOfLooping(t *testing.T) {
	analyzer := largeDocument()
	var limited *sizeLimitedStore
	h := newHarnessWith(t, analyzer, &fakeSummarizer{}, withSizeLimit(&limited), func(_ *harness, c *workflow.EngineConfig) {
		c.MaxInlinePayload = 4 << 20
	})

	inst, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, models.StepFailed, inst.CurrentStep)
	assert.Equal(t, 1, analyzer.Calls())
	assert.Equal(t, 1, limited.rejected)
	require.Len(t, inst.History, 1)
	assert.Equal(t, models.ActivityExtract, inst.History[0].StepName)
	assert.Equal(t, "PayloadTooLarge", inst.History[0].ErrorKind)

	stored, err := h.store.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, stored.CurrentStep)

	again, err := h.engine.Resume(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, again.CurrentStep)
	assert.Equal(t, 1, analyzer.Calls())
}

func TestEngine_LargeOutputWithoutPayloadStoreFails(t *testing.T) {
	analyzer := largeDocument()
	summarizer := &fakeSummarizer{}
	h := newHarness(t, analyzer, summarizer)

	inst, err := h.engine.Start(context.Background(), "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, models.StepFailed, inst.CurrentStep)
	assert.Equal(t, 1, analyzer.Calls())
	assert.Zero(t, summarizer.calls)
	require.Len(t, inst.History, 1)
	assert.Equal(t, "PayloadTooLarge", inst.History[0].ErrorKind)
}

func TestEngine_ResumeReadsOffloadedOutput(t *testing.T) {
	analyzer := &fakeAnalyzer{pages: [][]string{{"should not be used"}}}
	summarizer := &fakeSummarizer{}
	h := newHarnessWith(t, analyzer, summarizer, nil, func(h *harness, c *workflow.EngineConfig) {
		c.Payloads = h.objects
		c.PayloadContainer = "payloads"
	})
	ref := workflow.PayloadName("offloaded", models.ActivityExtract)
	h.objects.Put("payloads", ref, []byte(`{"text":"offloaded text"}`))

	require.NoError(t, h.store.Create(context.Background(), &models.WorkflowInstance{
		InstanceID:  "offloaded",
		Input:       "report.pdf",
		CurrentStep: models.StepSummarizing,
		History: []models.StepResult{{
			StepName: models.ActivityExtract, AttemptCount: 1, Outcome: models.OutcomeSuccess,
			PayloadRef: ref, Timestamp: fixedNow,
		}},
		CreatedAt: fixedNow,
	}))

	inst, err := h.engine.Resume(context.Background(), "offloaded")
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, inst.CurrentStep)
	assert.Zero(t, analyzer.Calls())
	assert.Equal(t, []string{"offloaded text"}, summarizer.inputs)
}

func TestEngine_ConcurrentWriterConflicts(t *testing.T) {
	analyzer := &fakeAnalyzer{
		pages:  [][]string{{"x"}},
		called: make(chan struct{}, 1),
		block:  make(chan struct{}),
	}
	h := newHarness(t, analyzer, &fakeSummarizer{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Start(ctx, "report.pdf")
		done <- err
	}()

	// Another process takes the instance over while Extract is running.
	<-analyzer.called
	other, err := h.store.Get(ctx, "inst-1")
	require.NoError(t, err)
	other.ErrorDetails = "taken over"
	require.NoError(t, h.store.Save(ctx, other))

	close(analyzer.block)
	assert.ErrorIs(t, <-done, workflow.ErrInstanceConflict)

	stored, err := h.store.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "taken over", stored.ErrorDetails)
	assert.Empty(t, stored.History, "the stale writer must not record its result")
}
