// Package trigger turns new objects in the input container into workflow
// starts.
package trigger

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

// Starter schedules one workflow run for an object and returns the run ID.
type Starter interface {
	StartWorkflow(ctx context.Context, objectID string) (string, error)
}

// Listener starts exactly one workflow per upload notification.
type Listener struct {
	starter        Starter
	inputContainer string
}

func NewListener(starter Starter, inputContainer string) *Listener {
	return &Listener{starter: starter, inputContainer: inputContainer}
}

// ObjectID returns the last path segment of a storage object name.
func ObjectID(name string) string {
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return ""
	}
	return path.Base(name)
}

// OnNewObject starts a workflow for ev. Events outside the input container
// are ignored. Start failures are logged and not retried here; redelivery is
// left to the notification mechanism.
func (l *Listener) OnNewObject(ctx context.Context, ev models.UploadEvent) {
	logCtx := slog.With("container", ev.ContainerName, "object", ev.ObjectID, "sizeBytes", ev.SizeBytes)
	logCtx.Info("Upload notification received.")

	if ev.ContainerName != l.inputContainer {
		logCtx.Warn("Ignoring object outside the input container.", "inputContainer", l.inputContainer)
		return
	}
	objectID := ObjectID(ev.ObjectID)
	if objectID == "" {
		logCtx.Warn("Ignoring notification without an object name.")
		return
	}

	runID, err := l.starter.StartWorkflow(ctx, objectID)
	if err != nil {
		logCtx.Error("Failed to start workflow", "objectId", objectID, "error", err)
		return
	}
	logCtx.Info("Workflow started.", "objectId", objectID, "runId", runID)
}
