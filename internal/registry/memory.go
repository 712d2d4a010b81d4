package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
)

// MemoryRepository keeps incidents in process memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{incidents: make(map[string]*models.Incident)}
}

var _ Repository = (*MemoryRepository)(nil)

func (m *MemoryRepository) Create(_ context.Context, inc *models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[inc.ID]; ok {
		return fmt.Errorf("incident %s: %w", inc.ID, errors.ErrConflict)
	}
	for _, existing := range m.incidents {
		if existing.Status.InFlight() {
			return fmt.Errorf("incident %s is %s: %w", existing.ID, existing.Status, errors.ErrIncidentInFlight)
		}
	}
	m.incidents[inc.ID] = inc.Clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return inc.Clone(), nil
}

func (m *MemoryRepository) GetByAccessor(_ context.Context, accessor string) (*models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inc := range m.incidents {
		if accessor != "" && inc.TokenAccessor == accessor {
			return inc.Clone(), nil
		}
	}
	return nil, errors.ErrNotFound
}

func (m *MemoryRepository) List(_ context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if len(statuses) > 0 && !slices.Contains(statuses, inc.Status) {
			continue
		}
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InitiatedAt.Equal(out[j].InitiatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].InitiatedAt.Before(out[j].InitiatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) Update(_ context.Context, inc *models.Incident, expected models.IncidentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.incidents[inc.ID]
	if !ok {
		return errors.ErrNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("incident %s is %s, expected %s: %w", inc.ID, current.Status, expected, errors.ErrConflict)
	}
	m.incidents[inc.ID] = inc.Clone()
	return nil
}
