package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

type object struct {
	data    []byte
	created time.Time
}

// ObjectStore keeps blobs in memory, keyed by container and name.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]map[string]object
	now     func() time.Time
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]map[string]object), now: time.Now}
}

func (s *ObjectStore) Read(_ context.Context, container, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[container][name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", container, name, models.ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Write stores data unless the name is already taken.
func (s *ObjectStore) Write(_ context.Context, container, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[container][name]; ok {
		return nil
	}
	s.put(container, name, data)
	return nil
}

// Put stores data, replacing any existing object.
func (s *ObjectStore) Put(container, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(container, name, data)
}

func (s *ObjectStore) put(container, name string, data []byte) {
	if s.objects[container] == nil {
		s.objects[container] = make(map[string]object)
	}
	s.objects[container][name] = object{data: append([]byte(nil), data...), created: s.now()}
}

// Names lists the objects of a container in lexical order.
func (s *ObjectStore) Names(container string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objects[container]))
	for name := range s.objects[container] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListCreatedAfter returns the objects of container created after since,
// oldest first.
func (s *ObjectStore) ListCreatedAfter(_ context.Context, container string, since time.Time) ([]models.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ObjectInfo
	for name, obj := range s.objects[container] {
		if obj.created.After(since) {
			out = append(out, models.ObjectInfo{
				Container: container,
				Name:      name,
				SizeBytes: int64(len(obj.data)),
				Created:   obj.created,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Name < out[j].Name
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}
