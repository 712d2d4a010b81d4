// Package audit is the append-only audit log and outbound notification sink.
package audit

import (
	"context"
	"time"

	"github.com/witlox/breakglass/pkg/models"
)

// Repository defines audit log persistence operations. Implementations keep
// events in append order.
type Repository interface {
	// Append links event to the last stored event with Link and persists it
	// at the end of the log. Reading the last event and writing the new one
	// must be atomic across every writer of the log, including other
	// processes.
	Append(ctx context.Context, event *models.AuditEvent) error
	// Last returns the most recently appended event, or nil for an empty log.
	Last(ctx context.Context) (*models.AuditEvent, error)
	// Query retrieves audit events matching criteria in append order.
	Query(ctx context.Context, query QueryParams) ([]*models.AuditEvent, error)
}

// QueryParams defines audit log query parameters.
type QueryParams struct {
	IncidentID string
	Kind       models.AuditEventKind
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Matches reports whether event satisfies the filter. Repositories without a
// query language use it directly.
func (q QueryParams) Matches(event *models.AuditEvent) bool {
	if q.IncidentID != "" && event.IncidentID != q.IncidentID {
		return false
	}
	if q.Kind != "" && event.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && event.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// IncidentChecker confirms that an incident exists before events reference it.
type IncidentChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Forwarder forwards audit events to external systems.
type Forwarder interface {
	// Forward sends an audit event to an external system.
	Forward(ctx context.Context, event *models.AuditEvent) error
	// HealthCheck checks forwarder connectivity.
	HealthCheck(ctx context.Context) error
}

// ExportFormat defines the export format.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// ExportRequest defines an audit export request.
type ExportRequest struct {
	Query  QueryParams
	Format ExportFormat
}

// SIEMConfig holds configuration for SIEM forwarding.
type SIEMConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
	Enabled    bool
}

// Service handles audit business logic.
type Service interface {
	// Log appends a new audit event.
	Log(ctx context.Context, event *models.AuditEvent) error
	// Query retrieves audit events.
	Query(ctx context.Context, query QueryParams) ([]*models.AuditEvent, error)
	// Export renders audit events for offline review.
	Export(ctx context.Context, req ExportRequest) ([]byte, error)
	// VerifyIntegrity verifies the hash chain of the audit log.
	VerifyIntegrity(ctx context.Context) (*VerifyResult, error)
	// Close waits for in-flight forwarding to finish.
	Close()
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Events   int    `json:"events"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
