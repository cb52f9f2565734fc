package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentsummaryflow/internal/config"
	"github.com/Lllllllleong/documentsummaryflow/internal/pipeline"
)

var (
	pipelineInstance *pipeline.Pipeline
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// One binary serves all three steps; FUNCTION_TARGET selects the entry point.
	functions.HTTP("HandleExtract", withPipeline(func(p *pipeline.Pipeline) http.HandlerFunc { return p.Extract.Handler() }))
	functions.HTTP("HandleSummarize", withPipeline(func(p *pipeline.Pipeline) http.HandlerFunc { return p.Summarize.Handler() }))
	functions.HTTP("HandlePersist", withPipeline(func(p *pipeline.Pipeline) http.HandlerFunc { return p.Persist.Handler() }))
}

// main is required by the Go Functions Framework.
func main() {}

func withPipeline(handler func(p *pipeline.Pipeline) http.HandlerFunc) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			var cfg *config.Config
			cfg, initErr = config.Load()
			if initErr != nil {
				return
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
			pipelineInstance, initErr = pipeline.New(context.Background(), cfg)
			if initErr != nil {
				return
			}
			initErr = pipelineInstance.WithSteps(context.Background())
		})
		if initErr != nil {
			slog.Error("Step worker initialization failed", "error", initErr)
			http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
			return
		}
		handler(pipelineInstance)(w, r)
	}
}
