package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"github.com/Lllllllleong/documentsummaryflow/internal/workflow"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreStore keeps one document per workflow instance, keyed by instance ID.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) doc(instanceID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(instanceID)
}

func (s *FirestoreStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	if _, err := s.doc(inst.InstanceID).Create(ctx, inst); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("instance %s: %w", inst.InstanceID, workflow.ErrInstanceExists)
		}
		return fmt.Errorf("failed to create instance document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	snap, err := s.doc(instanceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("instance %s: %w", instanceID, workflow.ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("failed to get instance document: %w", err)
	}
	var inst models.WorkflowInstance
	if err := snap.DataTo(&inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance document %s: %w", instanceID, err)
	}
	return &inst, nil
}

// Save overwrites the whole document so history and step always change
// together. It runs in a transaction that checks the stored version first, so
// two drivers of one instance cannot overwrite each other's history.
func (s *FirestoreStore) Save(ctx context.Context, inst *models.WorkflowInstance) error {
	ref := s.doc(inst.InstanceID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("instance %s: %w", inst.InstanceID, workflow.ErrInstanceNotFound)
			}
			return err
		}
		var stored struct {
			Version int64 `firestore:"version"`
		}
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("failed to decode instance document %s: %w", inst.InstanceID, err)
		}
		if stored.Version != inst.Version {
			return fmt.Errorf("instance %s at version %d, saving %d: %w", inst.InstanceID, stored.Version, inst.Version, workflow.ErrInstanceConflict)
		}
		next := *inst
		next.Version++
		return tx.Set(ref, &next)
	})
	if err != nil {
		if isDocumentTooLarge(err) {
			return fmt.Errorf("instance %s: %w: %w", inst.InstanceID, workflow.ErrInstanceTooLarge, err)
		}
		return fmt.Errorf("failed to save instance document: %w", err)
	}
	inst.Version++
	return nil
}

// isDocumentTooLarge reports whether Firestore rejected a write for
// exceeding the maximum document size.
func isDocumentTooLarge(err error) bool {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.InvalidArgument {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "exceeds the maximum") || strings.Contains(msg, "too large")
}

func (s *FirestoreStore) ListActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	active := []string{
		string(models.StepCreated),
		string(models.StepExtracting),
		string(models.StepSummarizing),
		string(models.StepPersisting),
	}
	it := s.client.Collection(s.collection).Where("currentStep", "in", active).Documents(ctx)
	defer it.Stop()

	var out []*models.WorkflowInstance
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query active instances: %w", err)
		}
		var inst models.WorkflowInstance
		if err := snap.DataTo(&inst); err != nil {
			return nil, fmt.Errorf("failed to decode instance document %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &inst)
	}
	return out, nil
}
