package inmemory

import (
	"context"
	"sort"
	"sync"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
	"alertsync/internal/service"
)

// StateRepository - in-memory реализация service.StateRepository для тестов и локального запуска.
// Условные записи выполняются под мьютексом, поэтому семантика совпадает с SQL-реализациями.
type StateRepository struct {
	mu     sync.RWMutex
	states map[string]*models.AlertState
}

// NewStateRepository создает новый экземпляр репозитория.
func NewStateRepository() *StateRepository {
	return &StateRepository{states: make(map[string]*models.AlertState)}
}

var _ service.StateRepository = (*StateRepository)(nil)

func (m *StateRepository) Get(ctx context.Context, fingerprint string) (*models.AlertState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[fingerprint]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (m *StateRepository) PutIfAbsent(ctx context.Context, state *models.AlertState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[state.Fingerprint]; exists {
		return false, nil
	}
	st := state.Clone()
	if st.Version == 0 {
		st.Version = 1
	}
	m.states[st.Fingerprint] = st
	return true, nil
}

func (m *StateRepository) Update(ctx context.Context, fingerprint string, expectedVersion int64, mutate func(*models.AlertState)) (*models.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[fingerprint]
	if !ok || current.Version != expectedVersion {
		return nil, apperr.ErrConflict
	}
	next := current.Clone()
	mutate(next)
	next.Fingerprint = fingerprint
	next.Version = expectedVersion + 1
	m.states[fingerprint] = next
	return next.Clone(), nil
}

func (m *StateRepository) ListByStatus(ctx context.Context, statuses ...models.LifecycleStatus) ([]*models.AlertState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[models.LifecycleStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*models.AlertState
	for _, st := range m.states {
		if len(want) == 0 || want[st.Status] {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt) })
	return out, nil
}
