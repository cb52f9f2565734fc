// Package memstore provides in-process implementations of the object and
// workflow state stores, for local runs and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"github.com/Lllllllleong/documentsummaryflow/internal/workflow"
)

// InstanceStore keeps workflow instances in memory.
type InstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*models.WorkflowInstance
	saves     int
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{instances: make(map[string]*models.WorkflowInstance)}
}

func (s *InstanceStore) Create(_ context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.InstanceID]; ok {
		return workflow.ErrInstanceExists
	}
	s.instances[inst.InstanceID] = inst.Clone()
	s.saves++
	return nil
}

func (s *InstanceStore) Get(_ context.Context, instanceID string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, workflow.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

// Save replaces the stored instance if its Version matches inst.Version.
func (s *InstanceStore) Save(_ context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[inst.InstanceID]
	if !ok {
		return workflow.ErrInstanceNotFound
	}
	if stored.Version != inst.Version {
		return fmt.Errorf("instance %s at version %d, saving %d: %w", inst.InstanceID, stored.Version, inst.Version, workflow.ErrInstanceConflict)
	}
	inst.Version++
	s.instances[inst.InstanceID] = inst.Clone()
	s.saves++
	return nil
}

func (s *InstanceStore) ListActive(_ context.Context) ([]*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if !inst.CurrentStep.Terminal() {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Saves reports how many writes the store has accepted.
func (s *InstanceStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
