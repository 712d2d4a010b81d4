// Package registry is the durable record of break-glass incidents and the
// owner of their lifecycle.
package registry

import (
	"context"

	"github.com/witlox/breakglass/pkg/models"
)

// Repository defines incident persistence operations.
type Repository interface {
	// Create persists a new incident. It must fail with
	// errors.ErrIncidentInFlight when another initiated or active incident
	// exists, atomically with the insert.
	Create(ctx context.Context, inc *models.Incident) error
	// Get retrieves an incident by ID.
	Get(ctx context.Context, id string) (*models.Incident, error)
	// GetByAccessor retrieves the incident that issued the credential with
	// the given accessor.
	GetByAccessor(ctx context.Context, accessor string) (*models.Incident, error)
	// List returns incidents in creation order, optionally filtered by status.
	List(ctx context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error)
	// Update replaces an incident if its stored status still equals
	// expected, and fails with errors.ErrConflict otherwise.
	Update(ctx context.Context, inc *models.Incident, expected models.IncidentStatus) error
}
