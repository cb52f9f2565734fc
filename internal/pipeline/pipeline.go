// Package pipeline wires configuration, clients, steps and the workflow
// engine together for the binaries under cmd/.
//
// New only opens the object store. Each binary then builds the components it
// serves: WithSteps for the step functions, WithEngine for the in-process
// engine and WithListener for the upload trigger. A component's settings are
// validated when it is built, so a binary never needs credentials for
// backends it does not use.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentsummaryflow/internal/config"
	"github.com/Lllllllleong/documentsummaryflow/internal/docintel"
	"github.com/Lllllllleong/documentsummaryflow/internal/gcp"
	"github.com/Lllllllleong/documentsummaryflow/internal/memstore"
	"github.com/Lllllllleong/documentsummaryflow/internal/services"
	"github.com/Lllllllleong/documentsummaryflow/internal/trigger"
	"github.com/Lllllllleong/documentsummaryflow/internal/workflow"
)

// Pipeline is the set of process-wide dependencies shared by every step and
// workflow instance. Fields are nil until the matching With method ran.
type Pipeline struct {
	Config    *config.Config
	Objects   *gcp.ObjectStore
	Extract   *services.ExtractFunction
	Summarize *services.SummarizeFunction
	Persist   *services.PersistFunction
	Engine    *workflow.Engine
	Listener  *trigger.Listener

	closers []func() error
}

// New opens the object store client for cfg.
func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	p := &Pipeline{Config: cfg}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	p.closers = append(p.closers, storageClient.Close)
	p.Objects = gcp.NewObjectStore(storageClient)
	return p, nil
}

// WithSteps builds the extract, summarize and persist steps and their
// backends.
func (p *Pipeline) WithSteps(ctx context.Context) error {
	if p.Extract != nil {
		return nil
	}
	cfg := p.Config
	if err := cfg.ValidateSteps(); err != nil {
		return err
	}

	var vertexClient *gcp.VertexClient
	if cfg.UsesVertex() {
		var err error
		vertexClient, err = gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, cfg.VertexModel)
		if err != nil {
			return fmt.Errorf("failed to create vertex client: %w", err)
		}
		p.closers = append(p.closers, vertexClient.Close)
	}

	var analyzer services.DocumentAnalyzer
	switch cfg.Extractor {
	case config.ExtractorVertex:
		analyzer = gcp.NewVertexAnalyzer(vertexClient)
	default:
		client, err := docintel.NewClient(docintel.Config{
			Endpoint: cfg.CognitiveServicesURL,
			Key:      cfg.CognitiveServicesKey,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to create document intelligence client: %w", err)
		}
		analyzer = client
	}

	var summarizer services.Summarizer = services.PlaceholderSummarizer{}
	if cfg.Summarizer == config.SummarizerVertex {
		summarizer = gcp.NewVertexSummarizer(vertexClient)
	}

	p.Extract = services.NewExtract(p.Objects, analyzer, nil, services.ExtractConfig{InputContainer: cfg.InputBucket})
	p.Summarize = services.NewSummarize(summarizer)
	p.Persist = services.NewPersist(p.Objects, services.PersistConfig{OutputContainer: cfg.OutputBucket})
	slog.Info("Steps initialized.", "extractor", cfg.Extractor, "summarizer", cfg.Summarizer)
	return nil
}

// WithEngine builds the steps, the state store and the in-process engine.
func (p *Pipeline) WithEngine(ctx context.Context) error {
	if p.Engine != nil {
		return nil
	}
	cfg := p.Config
	if err := cfg.ValidateEngine(); err != nil {
		return err
	}
	if err := p.WithSteps(ctx); err != nil {
		return err
	}

	store, err := p.newStore(ctx)
	if err != nil {
		return err
	}
	p.Engine = workflow.NewEngine(store, workflow.Activities{
		Extract:   p.Extract.Process,
		Summarize: p.Summarize.Process,
		Persist:   p.Persist.Process,
	}, workflow.EngineConfig{
		Policy: workflow.Policy{
			FirstRetryInterval: cfg.RetryFirstInterval,
			MaxAttempts:        cfg.RetryMaxAttempts,
		},
		ResumeConcurrency: cfg.ResumeConcurrency,
		Payloads:          p.Objects,
		PayloadContainer:  cfg.PayloadBucket,
		MaxInlinePayload:  cfg.PayloadInlineLimit,
	})
	slog.Info("Workflow engine initialized.", "stateBackend", cfg.StateBackend, "payloadBucket", cfg.PayloadBucket)
	return nil
}

// WithListener builds the upload listener and the starter it hands uploads
// to: the in-process engine, or the hosted workflow.
func (p *Pipeline) WithListener(ctx context.Context) error {
	if p.Listener != nil {
		return nil
	}
	cfg := p.Config
	if err := cfg.ValidateListener(); err != nil {
		return err
	}

	var starter trigger.Starter
	if cfg.Orchestrator == config.OrchestratorCloudWorkflows {
		hosted, err := gcp.NewWorkflowsStarter(ctx, gcp.WorkflowsConfig{
			ProjectID:        cfg.ProjectID,
			WorkflowLocation: cfg.WorkflowLocation,
			WorkflowID:       cfg.WorkflowID,
		})
		if err != nil {
			return err
		}
		p.closers = append(p.closers, hosted.Close)
		starter = hosted
	} else {
		if err := p.WithEngine(ctx); err != nil {
			return err
		}
		starter = p.Engine
	}
	p.Listener = trigger.NewListener(starter, cfg.InputBucket)
	slog.Info("Upload listener initialized.", "orchestrator", cfg.Orchestrator, "inputBucket", cfg.InputBucket)
	return nil
}

func (p *Pipeline) newStore(ctx context.Context) (workflow.Store, error) {
	if p.Config.StateBackend == config.BackendMemory {
		slog.Warn("Using in-memory workflow state; instances will not survive a restart.")
		return memstore.NewInstanceStore(), nil
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, p.Config.ProjectID)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, firestoreClient.Close)
	return gcp.NewFirestoreStore(firestoreClient, p.Config.FirestoreCollection), nil
}

// Watcher returns a polling watcher over the input bucket. WithListener must
// have run.
func (p *Pipeline) Watcher(config trigger.WatcherConfig) *trigger.Watcher {
	config.Container = p.Config.InputBucket
	return trigger.NewWatcher(p.Objects, p.Listener, config)
}

// Close releases every client in reverse creation order.
func (p *Pipeline) Close() error {
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closers = nil
	return firstErr
}
