package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
)

const (
	uniqueViolation      = "23505"
	singleInFlightIndex  = "idx_incidents_single_in_flight"
	incidentColumns      = `id, operator, reason, initiated_at, ttl_ns, status, token_accessor, root_token_fingerprint, root_token_accessor, policy_name, issued_at, expires_at, revoked_at, rotation_pending, failure_reason, updated_at, collection_deadline`
	auditColumns         = `id, timestamp, kind, incident_id, operator, severity, details, data_hash, prev_hash, chain_hash`
	incidentPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17`
)

// =============================================================================
// Incident Repository
// =============================================================================

// IncidentRepository implements registry.Repository.
type IncidentRepository struct {
	db *DB
}

// NewIncidentRepository creates a new incident repository.
func NewIncidentRepository(db *DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

var _ registry.Repository = (*IncidentRepository)(nil)

// Create persists a new incident. The partial unique index on in-flight
// statuses makes the single-incident check atomic with the insert.
func (r *IncidentRepository) Create(ctx context.Context, inc *models.Incident) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`) VALUES (`+incidentPlaceholders+`)`,
		incidentArgs(inc)...,
	)
	if err != nil {
		var pqErr *pq.Error
		if goerrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == singleInFlightIndex {
				return fmt.Errorf("failed to create incident %s: %w", inc.ID, errors.ErrIncidentInFlight)
			}
			return fmt.Errorf("failed to create incident %s: %w", inc.ID, errors.ErrConflict)
		}
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// Get retrieves an incident by ID.
func (r *IncidentRepository) Get(ctx context.Context, id string) (*models.Incident, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// GetByAccessor retrieves the incident that issued the given credential.
func (r *IncidentRepository) GetByAccessor(ctx context.Context, accessor string) (*models.Incident, error) {
	if accessor == "" {
		return nil, errors.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE token_accessor = $1 ORDER BY initiated_at DESC LIMIT 1`,
		accessor,
	)
	inc, err := scanIncident(row)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident by accessor: %w", err)
	}
	return inc, nil
}

// List returns incidents in creation order, optionally filtered by status.
func (r *IncidentRepository) List(ctx context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	args := []any{}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(values))
	}
	query += ` ORDER BY initiated_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// Update replaces an incident if its stored status still equals expected.
func (r *IncidentRepository) Update(ctx context.Context, inc *models.Incident, expected models.IncidentStatus) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		args := append(incidentArgs(inc), string(expected))
		res, err := tx.ExecContext(ctx,
			`UPDATE incidents SET
				operator = $2, reason = $3, initiated_at = $4, ttl_ns = $5, status = $6,
				token_accessor = $7, root_token_fingerprint = $8, root_token_accessor = $9,
				policy_name = $10, issued_at = $11, expires_at = $12, revoked_at = $13,
				rotation_pending = $14, failure_reason = $15, updated_at = $16,
				collection_deadline = $17
			 WHERE id = $1 AND status = $18`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		if n == 1 {
			return nil
		}

		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = $1`, inc.ID).Scan(&current)
		if goerrors.Is(err, sql.ErrNoRows) {
			return errors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read incident status: %w", err)
		}
		return fmt.Errorf("incident %s is %s, expected %s: %w", inc.ID, current, expected, errors.ErrConflict)
	})
}

func incidentArgs(inc *models.Incident) []any {
	return []any{
		inc.ID,
		inc.Operator,
		inc.Reason,
		inc.InitiatedAt.UTC(),
		int64(inc.TTL),
		string(inc.Status),
		nullString(inc.TokenAccessor),
		nullString(inc.RootTokenFingerprint),
		nullString(inc.RootTokenAccessor),
		nullString(inc.PolicyName),
		nullTime(inc.IssuedAt),
		nullTime(inc.ExpiresAt),
		nullTime(inc.RevokedAt),
		inc.RotationPending,
		nullString(inc.FailureReason),
		inc.UpdatedAt.UTC(),
		nullTime(inc.CollectionDeadline),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(s scanner) (*models.Incident, error) {
	var inc models.Incident
	var ttl int64
	var status string
	var accessor, fingerprint, rootAcc, policy, failure sql.NullString
	var issuedAt, expiresAt, revokedAt, collectBy sql.NullTime
	err := s.Scan(&inc.ID, &inc.Operator, &inc.Reason, &inc.InitiatedAt, &ttl, &status,
		&accessor, &fingerprint, &rootAcc, &policy,
		&issuedAt, &expiresAt, &revokedAt,
		&inc.RotationPending, &failure, &inc.UpdatedAt, &collectBy)
	if err != nil {
		return nil, err
	}
	inc.TTL = time.Duration(ttl)
	inc.Status = models.IncidentStatus(status)
	inc.TokenAccessor = accessor.String
	inc.RootTokenFingerprint = fingerprint.String
	inc.RootTokenAccessor = rootAcc.String
	inc.PolicyName = policy.String
	inc.FailureReason = failure.String
	inc.InitiatedAt = inc.InitiatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	inc.IssuedAt = timePtr(issuedAt)
	inc.ExpiresAt = timePtr(expiresAt)
	inc.RevokedAt = timePtr(revokedAt)
	inc.CollectionDeadline = timePtr(collectBy)
	return &inc, nil
}

// =============================================================================
// Audit Repository
// =============================================================================

// AuditRepository implements audit.Repository.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ audit.Repository = (*AuditRepository)(nil)

// auditChainLock keys the advisory lock that orders appends to the chain.
const auditChainLock = 0x627265616b676c73

// Append links event to the last stored event and inserts it. A transaction
// scoped advisory lock orders concurrent writers.
func (r *AuditRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(auditChainLock)); err != nil {
			return fmt.Errorf("failed to lock audit chain: %w", err)
		}

		last, err := scanAuditEvent(tx.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY seq DESC LIMIT 1`))
		if goerrors.Is(err, sql.ErrNoRows) {
			last = nil
		} else if err != nil {
			return fmt.Errorf("failed to get last audit event: %w", err)
		}
		audit.Link(event, last)

		var details []byte
		if len(event.Details) > 0 {
			details, err = json.Marshal(event.Details)
			if err != nil {
				return fmt.Errorf("failed to marshal audit details: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_events (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			event.ID, event.Timestamp.UTC(), string(event.Kind), nullString(event.IncidentID), event.Operator,
			string(event.Severity), details, event.DataHash, event.PrevHash, event.ChainHash,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
		return nil
	})
}

// Last returns the most recently appended event.
func (r *AuditRepository) Last(ctx context.Context) (*models.AuditEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY seq DESC LIMIT 1`)
	event, err := scanAuditEvent(row)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last audit event: %w", err)
	}
	return event, nil
}

// Query retrieves audit events matching criteria in append order.
func (r *AuditRepository) Query(ctx context.Context, query audit.QueryParams) ([]*models.AuditEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if query.IncidentID != "" {
		add("incident_id = $%d", query.IncidentID)
	}
	if query.Kind != "" {
		add("kind = $%d", string(query.Kind))
	}
	if !query.Since.IsZero() {
		add("timestamp >= $%d", query.Since.UTC())
	}
	if !query.Until.IsZero() {
		add("timestamp <= $%d", query.Until.UTC())
	}

	stmt := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(conds) > 0 {
		stmt += ` WHERE ` + strings.Join(conds, " AND ")
	}
	stmt += ` ORDER BY seq`
	if query.Limit > 0 {
		args = append(args, query.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanAuditEvent(s scanner) (*models.AuditEvent, error) {
	var event models.AuditEvent
	var kind, severity string
	var incidentID sql.NullString
	var details []byte
	err := s.Scan(&event.ID, &event.Timestamp, &kind, &incidentID, &event.Operator, &severity,
		&details, &event.DataHash, &event.PrevHash, &event.ChainHash)
	if err != nil {
		return nil, err
	}
	event.Timestamp = event.Timestamp.UTC()
	event.Kind = models.AuditEventKind(kind)
	event.Severity = models.Severity(severity)
	event.IncidentID = incidentID.String
	if len(details) > 0 {
		if err := json.Unmarshal(details, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}
	return &event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
