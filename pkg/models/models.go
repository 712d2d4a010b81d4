// Package models defines the core domain types for the break-glass broker.
package models

import (
	"time"
)

// IncidentStatus represents the lifecycle state of a break-glass incident.
type IncidentStatus string

const (
	IncidentStatusInitiated IncidentStatus = "initiated"
	IncidentStatusActive    IncidentStatus = "active"
	IncidentStatusRevoked   IncidentStatus = "revoked"
	IncidentStatusFailed    IncidentStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentStatusRevoked || s == IncidentStatusFailed
}

// InFlight reports whether s blocks the creation of another incident.
func (s IncidentStatus) InFlight() bool {
	return s == IncidentStatusInitiated || s == IncidentStatusActive
}

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentStatusInitiated, IncidentStatusActive, IncidentStatusRevoked, IncidentStatusFailed:
		return true
	}
	return false
}

// Incident is the durable record of one break-glass episode.
// It never holds raw credential material.
type Incident struct {
	ID                   string         `json:"incident_id"`
	Operator             string         `json:"operator"`
	Reason               string         `json:"reason"`
	InitiatedAt          time.Time      `json:"initiated_at"`
	TTL                  time.Duration  `json:"ttl"`
	Status               IncidentStatus `json:"status"`
	CollectionDeadline   *time.Time     `json:"collection_deadline,omitempty"`
	TokenAccessor        string         `json:"token_accessor,omitempty"`
	RootTokenFingerprint string         `json:"root_token_fingerprint,omitempty"`
	RootTokenAccessor    string         `json:"root_token_accessor,omitempty"`
	PolicyName           string         `json:"policy_name,omitempty"`
	IssuedAt             *time.Time     `json:"issued_at,omitempty"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	RevokedAt            *time.Time     `json:"revoked_at,omitempty"`
	RotationPending      bool           `json:"rotation_pending"`
	FailureReason        string         `json:"failure_reason,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Deadline returns the persisted revocation deadline. The second value is
// false when the incident never reached issuance.
func (i *Incident) Deadline() (time.Time, bool) {
	if i.ExpiresAt != nil {
		return *i.ExpiresAt, true
	}
	if i.IssuedAt != nil {
		return i.IssuedAt.Add(i.TTL), true
	}
	return time.Time{}, false
}

// Abandoned reports whether an initiated incident outlived its collection
// deadline, which means the process that opened it is gone.
func (i *Incident) Abandoned(now time.Time) bool {
	return i.Status == IncidentStatusInitiated &&
		i.CollectionDeadline != nil &&
		!now.Before(*i.CollectionDeadline)
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.CollectionDeadline = cloneTime(i.CollectionDeadline)
	c.IssuedAt = cloneTime(i.IssuedAt)
	c.ExpiresAt = cloneTime(i.ExpiresAt)
	c.RevokedAt = cloneTime(i.RevokedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AuditEventKind represents the type of audit event.
type AuditEventKind string

const (
	AuditIncidentCreated          AuditEventKind = "incident_created"
	AuditKeyCollectionStarted     AuditEventKind = "key_collection_started"
	AuditShareAccepted            AuditEventKind = "share_accepted"
	AuditKeyCollectionComplete    AuditEventKind = "key_collection_complete"
	AuditCollectionAborted        AuditEventKind = "collection_aborted"
	AuditGenerationStarted        AuditEventKind = "generation_started"
	AuditGenerationComplete       AuditEventKind = "generation_complete"
	AuditGenerationFailed         AuditEventKind = "generation_failed"
	AuditCredentialIssued         AuditEventKind = "emergency_credential_issued"
	AuditIssuanceFailed           AuditEventKind = "issuance_failed"
	AuditRevocationScheduled      AuditEventKind = "revocation_scheduled"
	AuditRevocationStarted        AuditEventKind = "revocation_started"
	AuditCredentialRevoked        AuditEventKind = "credential_revoked"
	AuditPolicyDeleted            AuditEventKind = "policy_deleted"
	AuditRootCredentialRevoked    AuditEventKind = "root_credential_revoked"
	AuditRevocationStepFailed     AuditEventKind = "revocation_step_failed"
	AuditRevocationPartialFailure AuditEventKind = "revocation_partial_failure"
	AuditIncidentRevoked          AuditEventKind = "incident_revoked"
	AuditIncidentFailed           AuditEventKind = "incident_failed"
	AuditRotationTriggered        AuditEventKind = "rotation_triggered"
	AuditRotationComplete         AuditEventKind = "rotation_complete"
	AuditRotationPending          AuditEventKind = "rotation_pending"
)

// Severity grades audit events and notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEvent represents an immutable audit log entry. Details must never
// carry raw secret material.
type AuditEvent struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       AuditEventKind `json:"event_kind"`
	IncidentID string         `json:"incident_id,omitempty"`
	Operator   string         `json:"operator"`
	Severity   Severity       `json:"severity"`
	Details    map[string]any `json:"details,omitempty"`
	DataHash   string         `json:"data_hash,omitempty"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	ChainHash  string         `json:"chain_hash,omitempty"`
}

// RotationStatus is the outcome of a post-incident rotation trigger.
type RotationStatus string

const (
	RotationStatusRotated        RotationStatus = "rotated"
	RotationStatusManualRequired RotationStatus = "manual_required"
	RotationStatusNothingToDo    RotationStatus = "nothing_to_rotate"
)

// RotationResult describes what the rotation trigger did for an incident.
type RotationResult struct {
	IncidentID string         `json:"incident_id"`
	Status     RotationStatus `json:"status"`
	Paths      []string       `json:"paths"`
	Rotated    []string       `json:"rotated,omitempty"`
	Failed     []string       `json:"failed,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// AuditTrailEntry is a single secret store access by some credential.
type AuditTrailEntry struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthResponse represents the overall broker health.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}
