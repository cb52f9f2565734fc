package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

// StampLayout renders the timestamp embedded in output names.
const StampLayout = "2006-01-02 15:04:05.000000"

// PersistConfig holds configuration for the persist step.
type PersistConfig struct {
	OutputContainer string
}

// PersistFunction writes a summary into the output container.
type PersistFunction struct {
	objects ObjectStore
	config  PersistConfig
	now     func() time.Time
}

func NewPersist(objects ObjectStore, config PersistConfig) *PersistFunction {
	return &PersistFunction{objects: objects, config: config, now: time.Now}
}

// OutputName builds "<objectID>-<stamp>" with every "." replaced by "-",
// followed by ".txt".
func OutputName(objectID string, stamp time.Time) string {
	base := objectID + "-" + stamp.Format(StampLayout)
	return strings.ReplaceAll(base, ".", "-") + ".txt"
}

// Process writes req.Summary.Content under a name derived from req.ObjectID
// and req.Stamp. The same request always targets the same object.
func (f *PersistFunction) Process(ctx context.Context, req models.PersistRequest) (*models.OutputArtifact, error) {
	stamp := req.Stamp
	if stamp.IsZero() {
		stamp = f.now()
	}
	name := OutputName(req.ObjectID, stamp)

	logCtx := slog.With("objectId", req.ObjectID, "container", f.config.OutputContainer, "outputName", name)
	logCtx.Info("Uploading summary.", "summaryLength", len(req.Summary.Content))

	if err := f.objects.Write(ctx, f.config.OutputContainer, name, []byte(req.Summary.Content)); err != nil {
		logCtx.Error("Failed to write summary", "error", err)
		return nil, models.NewStepError(models.ErrPersistFailed, fmt.Errorf("failed to write %s: %w", name, err))
	}

	logCtx.Info("Summary uploaded.")
	return &models.OutputArtifact{Name: name, ContainerName: f.config.OutputContainer}, nil
}
