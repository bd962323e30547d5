package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/topofabric/pkg/types"
)

// MemoryClient keeps fabric objects in memory. The reconciler builds the
// expected fabric state in one; tests use it as the actual fabric.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]*types.Object
}

// NewMemoryClient creates an empty in-memory fabric
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]*types.Object)}
}

func (m *MemoryClient) Get(ctx context.Context, ref types.Ref) (*types.Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, ref)
	}
	return obj.Clone(), nil
}

func (m *MemoryClient) Create(ctx context.Context, obj *types.Object, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := obj.Key()
	if _, exists := m.objects[key]; exists && !overwrite {
		return nil
	}
	stored := obj.Clone()
	if stored.SyncStatus == "" {
		stored.SyncStatus = types.SyncStatusSynced
	}
	m.objects[key] = stored
	return nil
}

func (m *MemoryClient) Update(ctx context.Context, obj *types.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := obj.Key()
	if _, exists := m.objects[key]; !exists {
		return fmt.Errorf("%w: %s", types.ErrNotFound, obj.Ref)
	}
	stored := obj.Clone()
	if stored.SyncStatus == "" {
		stored.SyncStatus = types.SyncStatusSynced
	}
	m.objects[key] = stored
	return nil
}

func (m *MemoryClient) Delete(ctx context.Context, ref types.Ref, cascade bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cascade {
		for key, obj := range m.objects {
			if IsChildOf(obj, ref) {
				delete(m.objects, key)
			}
		}
	}
	delete(m.objects, ref.Key())
	return nil
}

func (m *MemoryClient) Find(ctx context.Context, filter Filter) ([]*types.Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Object
	for _, obj := range m.objects {
		if filter.Match(obj) {
			out = append(out, obj.Clone())
		}
	}
	sortObjects(out)
	return out, nil
}

// SetSyncStatus overrides the sync status the fabric reports for ref
func (m *MemoryClient) SetSyncStatus(ref types.Ref, status types.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[ref.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, ref)
	}
	obj.SyncStatus = status
	return nil
}

// Len returns the number of stored objects
func (m *MemoryClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
