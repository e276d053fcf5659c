package engine

import (
	"context"
	"sync"

	"github.com/entresolve/martd/internal/types"
)

// Mock is an in-memory Repository. Tests (and the --mock-engine dev
// mode) set entity views directly and the replicator consumes them as
// if they came from a live engine.
type Mock struct {
	mu          sync.RWMutex
	views       map[int64]*types.EntityView
	unavailable bool
	fetches     int
}

// NewMock returns an empty mock repository.
func NewMock() *Mock {
	return &Mock{views: make(map[int64]*types.EntityView)}
}

// SetEntity installs or replaces the engine view for an entity.
func (m *Mock) SetEntity(view *types.EntityView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[view.EntityID] = view
}

// RemoveEntity makes the entity unresolved: subsequent fetches return
// ErrNotFound.
func (m *Mock) RemoveEntity(entityID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, entityID)
}

// SetUnavailable toggles ErrUnavailable on every call, for retry tests.
func (m *Mock) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// Fetches reports how many FetchEntity calls have been made.
func (m *Mock) Fetches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches
}

// FetchEntity implements Repository.
func (m *Mock) FetchEntity(ctx context.Context, entityID int64) (*types.EntityView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.fetches++
	down := m.unavailable
	view := m.views[entityID]
	m.mu.Unlock()

	if down {
		return nil, ErrUnavailable
	}
	if view == nil {
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate the stored view.
	out := *view
	out.Records = append([]types.RecordKey(nil), view.Records...)
	out.Relations = append([]types.RelationView(nil), view.Relations...)
	return &out, nil
}

// Version implements Repository.
func (m *Mock) Version(ctx context.Context) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return Info{}, ErrUnavailable
	}
	return Info{Name: "mock-engine", Version: "0.0.0"}, nil
}
