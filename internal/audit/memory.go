package audit

import (
	"context"
	"sync"

	"github.com/witlox/breakglass/pkg/models"
)

// MemoryRepository keeps audit events in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
}

// NewMemoryRepository creates an empty in-memory audit log.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Append(_ context.Context, event *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last *models.AuditEvent
	if len(r.events) > 0 {
		last = r.events[len(r.events)-1]
	}
	Link(event, last)
	e := *event
	r.events = append(r.events, &e)
	return nil
}

func (r *MemoryRepository) Last(_ context.Context) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.events) == 0 {
		return nil, nil
	}
	e := *r.events[len(r.events)-1]
	return &e, nil
}

func (r *MemoryRepository) Query(_ context.Context, query QueryParams) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AuditEvent
	for _, e := range r.events {
		if !query.Matches(e) {
			continue
		}
		c := *e
		out = append(out, &c)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}
