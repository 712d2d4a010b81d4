package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all database migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create incidents table",
			SQL: `CREATE TABLE IF NOT EXISTS incidents (
				id TEXT PRIMARY KEY,
				operator TEXT NOT NULL,
				reason TEXT NOT NULL,
				initiated_at TIMESTAMPTZ NOT NULL,
				ttl_ns BIGINT NOT NULL,
				status VARCHAR(20) NOT NULL,
				token_accessor TEXT,
				root_token_fingerprint TEXT,
				root_token_accessor TEXT,
				policy_name TEXT,
				issued_at TIMESTAMPTZ,
				expires_at TIMESTAMPTZ,
				revoked_at TIMESTAMPTZ,
				rotation_pending BOOLEAN NOT NULL DEFAULT FALSE,
				failure_reason TEXT,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		},
		{
			Version:     2,
			Description: "Allow a single in-flight incident",
			SQL: `CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_single_in_flight
				ON incidents ((TRUE)) WHERE status IN ('initiated', 'active');
				CREATE INDEX IF NOT EXISTS idx_incidents_accessor ON incidents(token_accessor);
				CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
		},
		{
			Version:     3,
			Description: "Create audit_events table",
			SQL: `CREATE TABLE IF NOT EXISTS audit_events (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				timestamp TIMESTAMPTZ NOT NULL,
				kind VARCHAR(64) NOT NULL,
				incident_id TEXT,
				operator TEXT NOT NULL,
				severity VARCHAR(16) NOT NULL,
				details JSONB,
				data_hash VARCHAR(64) NOT NULL,
				prev_hash VARCHAR(64) NOT NULL,
				chain_hash VARCHAR(64) NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_audit_events_incident ON audit_events(incident_id);
			CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`,
		},
		{
			Version:     4,
			Description: "Add incident collection deadline",
			SQL:         `ALTER TABLE incidents ADD COLUMN IF NOT EXISTS collection_deadline TIMESTAMPTZ`,
		},
	}
}

// RunMigrations executes all pending migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range Migrations() {
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// CurrentVersion returns the current schema version.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
