package storage

import (
	"database/sql"
	"fmt"
)

// migrations holds the schema for the identity service's own tables.
// Statements are idempotent so startup can run them unconditionally.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		slug VARCHAR(255) NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT true,
		scim_token VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS sso_configs (
		id BIGSERIAL PRIMARY KEY,
		org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		provider VARCHAR(16) NOT NULL CHECK (provider IN ('oidc', 'saml')),
		idp_name VARCHAR(255) NOT NULL DEFAULT '',
		issuer_url TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT '',
		saml_login_url TEXT NOT NULL DEFAULT '',
		idp_certificate TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT false,
		enforce_sso BOOLEAN NOT NULL DEFAULT false,
		default_role VARCHAR(64) NOT NULL DEFAULT 'member',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (org_id, provider)
	)`,

	`CREATE TABLE IF NOT EXISTS role_mappings (
		id BIGSERIAL PRIMARY KEY,
		org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		group_name VARCHAR(255) NOT NULL,
		role VARCHAR(64) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_role_mappings_org
		ON role_mappings(org_id, priority DESC)`,

	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		full_name VARCHAR(255) NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS organization_members (
		id BIGSERIAL PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role VARCHAR(64) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS role_assignments (
		id BIGSERIAL PRIMARY KEY,
		organization_id UUID NOT NULL,
		user_id UUID NOT NULL,
		role VARCHAR(64) NOT NULL,
		assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS login_tokens (
		token VARCHAR(255) PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		org_id UUID NOT NULL,
		redirect_url TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS provisioning_log (
		id BIGSERIAL PRIMARY KEY,
		org_id UUID NOT NULL,
		action VARCHAR(64) NOT NULL,
		user_email VARCHAR(255) NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_provisioning_log_org
		ON provisioning_log(org_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		event_type VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		org_id UUID,
		user_id UUID,
		email VARCHAR(255) NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB
	)`,

	`CREATE INDEX IF NOT EXISTS idx_audit_events_org
		ON audit_events(org_id, timestamp DESC)`,
}

// Migrate applies all schema migrations
func Migrate(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
