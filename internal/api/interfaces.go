// Package api serves the watch daemon's HTTP surface: health, metrics and
// read access to incidents plus operator revocation.
package api

import (
	"context"

	"github.com/witlox/breakglass/pkg/models"
)

// IncidentService is the subset of the broker the API exposes.
type IncidentService interface {
	// Incident looks up an incident by ID or credential accessor.
	Incident(ctx context.Context, ref string) (*models.Incident, error)
	// Status lists incidents, optionally filtered by status.
	Status(ctx context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error)
	// Revoke revokes an incident immediately.
	Revoke(ctx context.Context, ref string) (*models.Incident, error)
	// Rotate re-runs post-incident rotation for a revoked incident.
	Rotate(ctx context.Context, ref string) (*models.RotationResult, error)
}

// RateLimiter defines rate limiting operations.
type RateLimiter interface {
	// Allow checks if a request should be allowed.
	Allow(ctx context.Context, key string) (bool, error)
	// Remaining returns how many requests key may still make in the window.
	Remaining(ctx context.Context, key string) (int, error)
}
