package workflow

import (
	"context"
	"errors"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

var (
	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrInstanceExists   = errors.New("workflow instance already exists")
	ErrInstanceBusy     = errors.New("workflow instance is already running in this process")
	// ErrInstanceConflict is returned by Save when the stored instance has a
	// different Version than the one being saved: another driver moved it.
	ErrInstanceConflict = errors.New("workflow instance was modified concurrently")
	// ErrInstanceTooLarge is returned by Save when the store rejects the
	// instance for its size.
	ErrInstanceTooLarge = errors.New("workflow instance exceeds the store size limit")
)

// Store persists workflow instances. Save must be durable before it returns;
// the engine relies on it to resume after a crash.
//
// Save is a compare-and-set on Version: it fails with ErrInstanceConflict
// unless the stored Version equals inst.Version, and on success increments
// inst.Version.
type Store interface {
	Create(ctx context.Context, inst *models.WorkflowInstance) error
	Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	Save(ctx context.Context, inst *models.WorkflowInstance) error
	// ListActive returns every instance that has not reached a terminal step.
	ListActive(ctx context.Context) ([]*models.WorkflowInstance, error)
}

// PayloadStore holds step outputs too large to keep inline in an instance.
// Write never replaces an existing object.
type PayloadStore interface {
	Read(ctx context.Context, container, name string) ([]byte, error)
	Write(ctx context.Context, container, name string, data []byte) error
}
