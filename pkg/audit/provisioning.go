package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ProvisioningStore records SCIM actions in the append-only provisioning_log
type ProvisioningStore struct {
	db *sql.DB
}

// NewProvisioningStore creates a provisioning log store
func NewProvisioningStore(db *sql.DB) *ProvisioningStore {
	return &ProvisioningStore{db: db}
}

// Record appends one provisioning log entry. Entries are never updated.
func (s *ProvisioningStore) Record(ctx context.Context, entry *ProvisioningLogEntry) error {
	var payload interface{}
	if len(entry.Payload) > 0 {
		payload = entry.Payload
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO provisioning_log (org_id, action, user_email, success, error_message, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.OrgID, entry.Action, entry.UserEmail, entry.Success, entry.ErrorMessage, payload).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record provisioning log entry: %w", err)
	}
	return nil
}

// ListByOrg returns an organization's provisioning history, newest first
func (s *ProvisioningStore) ListByOrg(ctx context.Context, orgID uuid.UUID, limit int) ([]*ProvisioningLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, action, user_email, success, error_message, payload, created_at
		FROM provisioning_log
		WHERE org_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisioning log: %w", err)
	}
	defer rows.Close()

	var entries []*ProvisioningLogEntry
	for rows.Next() {
		entry := &ProvisioningLogEntry{}
		var payload []byte
		if err := rows.Scan(
			&entry.ID, &entry.OrgID, &entry.Action, &entry.UserEmail,
			&entry.Success, &entry.ErrorMessage, &payload, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan provisioning log entry: %w", err)
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
