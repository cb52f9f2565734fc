package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is treated as a completed write.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "text/plain; charset=utf-8"

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// ObjectStore is the Cloud Storage backed object store. Containers are bucket names.
type ObjectStore struct {
	client *storage.Client
}

func NewObjectStore(client *storage.Client) *ObjectStore {
	return &ObjectStore{client: client}
}

func (s *ObjectStore) Read(ctx context.Context, container, name string) ([]byte, error) {
	reader, err := s.client.Bucket(container).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", container, name, models.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", container, name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object gs://%s/%s: %w", container, name, err)
	}
	return data, nil
}

func (s *ObjectStore) Write(ctx context.Context, container, name string, data []byte) error {
	return SaveToGCSAtomically(ctx, s.client.Bucket(container), name, data)
}

// ListCreatedAfter lists the objects of a bucket created after since.
func (s *ObjectStore) ListCreatedAfter(ctx context.Context, container string, since time.Time) ([]models.ObjectInfo, error) {
	query := &storage.Query{}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Created"}); err != nil {
		return nil, fmt.Errorf("failed to build GCS query: %w", err)
	}

	var out []models.ObjectInfo
	it := s.client.Bucket(container).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %s: %w", container, err)
		}
		if !attrs.Created.After(since) {
			continue
		}
		out = append(out, models.ObjectInfo{
			Container: container,
			Name:      attrs.Name,
			SizeBytes: attrs.Size,
			Created:   attrs.Created,
		})
	}
	return out, nil
}
