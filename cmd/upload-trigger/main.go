package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentsummaryflow/internal/config"
	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"github.com/Lllllllleong/documentsummaryflow/internal/pipeline"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	pipelineInstance *pipeline.Pipeline
	once             sync.Once
	initErr          error
)

// storageObjectData is the subset of a Cloud Storage object-finalized event we need.
type storageObjectData struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Size   int64  `json:"size,string"`
}

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("HandleUpload", handleUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// handleUpload starts one workflow per finalized object in the input bucket.
func handleUpload(ctx context.Context, e cloudevents.Event) error {
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
		initErr = pipelineInstance.WithListener(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var data storageObjectData
	if err := json.Unmarshal(e.Data(), &data); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Start failures are logged by the listener and not reported back, so the
	// notification is not redelivered for them.
	pipelineInstance.Listener.OnNewObject(ctx, models.UploadEvent{
		ObjectID:      data.Name,
		ContainerName: data.Bucket,
		SizeBytes:     data.Size,
	})
	return nil
}
