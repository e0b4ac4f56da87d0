package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an organization, config, or membership
	// does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyMember is returned when adding a user who already belongs
	// to the organization
	ErrAlreadyMember = errors.New("already a member")
)

// Store provides access to organizations, SSO configs, and memberships
type Store struct {
	db *sql.DB
}

// NewStore creates a new organization store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrganization retrieves an organization by id
func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	org := &Organization{}
	var scimToken sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, is_active, scim_token, created_at
		FROM organizations
		WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.Slug, &org.IsActive, &scimToken, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if scimToken.Valid {
		org.SCIMToken = scimToken.String
	}
	return org, nil
}

// GetSSOConfig retrieves the enabled SSO configuration for an organization.
// When both an OIDC and a SAML config exist, the most recently updated
// enabled one wins.
func (s *Store) GetSSOConfig(ctx context.Context, orgID uuid.UUID) (*SSOConfig, error) {
	cfg := &SSOConfig{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, provider, idp_name, issuer_url, client_id, client_secret,
		       saml_login_url, idp_certificate, enabled, enforce_sso, default_role,
		       created_at, updated_at
		FROM sso_configs
		WHERE org_id = $1 AND enabled = true
		ORDER BY updated_at DESC
		LIMIT 1
	`, orgID).Scan(
		&cfg.ID, &cfg.OrgID, &cfg.Provider, &cfg.IdPName, &cfg.IssuerURL,
		&cfg.ClientID, &cfg.ClientSecret, &cfg.SAMLLoginURL, &cfg.IdPCertificate,
		&cfg.Enabled, &cfg.EnforceSSO, &cfg.DefaultRole, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get SSO config: %w", err)
	}
	return cfg, nil
}

// GetMembership retrieves a membership row
func (s *Store) GetMembership(ctx context.Context, orgID, userID uuid.UUID) (*Membership, error) {
	m := &Membership{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, user_id, role, created_at, updated_at
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2
	`, orgID, userID).Scan(&m.ID, &m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// AddMember adds a user to an organization. The uniqueness constraint on
// (organization_id, user_id) makes concurrent inserts safe.
func (s *Store) AddMember(ctx context.Context, orgID, userID uuid.UUID, role Role) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO NOTHING
	`, orgID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyMember
	}
	return nil
}

// UpdateMemberRole updates a member's role in place
func (s *Store) UpdateMemberRole(ctx context.Context, orgID, userID uuid.UUID, role Role) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE organization_members
		SET role = $1, updated_at = NOW()
		WHERE organization_id = $2 AND user_id = $3
	`, role, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMember removes a user from an organization. The underlying account
// is untouched; it may belong to other organizations.
func (s *Store) RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM organization_members
		WHERE organization_id = $1 AND user_id = $2
	`, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertRoleAssignment mirrors a membership role into the role_assignments
// table consumed by the authorization layer
func (s *Store) UpsertRoleAssignment(ctx context.Context, orgID, userID uuid.UUID, role Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_assignments (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE
		SET role = EXCLUDED.role, assigned_at = NOW()
	`, orgID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to upsert role assignment: %w", err)
	}
	return nil
}

// DeleteRoleAssignment removes the mirrored role row when a membership goes away
func (s *Store) DeleteRoleAssignment(ctx context.Context, orgID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM role_assignments
		WHERE organization_id = $1 AND user_id = $2
	`, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete role assignment: %w", err)
	}
	return nil
}

// ListMembers returns members of an organization joined with user details,
// with optional exact email filtering and offset/limit pagination. The
// second return value is the total count before pagination.
func (s *Store) ListMembers(ctx context.Context, orgID uuid.UUID, emailFilter string, offset, limit int) ([]*Member, int, error) {
	countQuery := `
		SELECT COUNT(*)
		FROM organization_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.organization_id = $1
	`
	listQuery := `
		SELECT m.id, m.organization_id, m.user_id, m.role, m.created_at, m.updated_at,
		       u.email, u.full_name, u.is_active, u.created_at, u.last_login_at
		FROM organization_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.organization_id = $1
	`

	args := []interface{}{orgID}
	if emailFilter != "" {
		countQuery += ` AND u.email = $2`
		listQuery += ` AND u.email = $2`
		args = append(args, emailFilter)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count members: %w", err)
	}

	listQuery += fmt.Sprintf(" ORDER BY m.created_at ASC OFFSET $%d LIMIT $%d", len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		member := &Member{}
		var fullName sql.NullString
		var lastLogin sql.NullTime
		if err := rows.Scan(
			&member.ID, &member.OrganizationID, &member.UserID, &member.Role,
			&member.CreatedAt, &member.UpdatedAt,
			&member.Email, &fullName, &member.IsActive, &member.UserSince, &lastLogin,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan member: %w", err)
		}
		if fullName.Valid {
			member.FullName = fullName.String
		}
		if lastLogin.Valid {
			member.LastLogin = &lastLogin.Time
		}
		members = append(members, member)
	}

	return members, total, rows.Err()
}

// GetMember retrieves a single member with user details
func (s *Store) GetMember(ctx context.Context, orgID, userID uuid.UUID) (*Member, error) {
	member := &Member{}
	var fullName sql.NullString
	var lastLogin sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.organization_id, m.user_id, m.role, m.created_at, m.updated_at,
		       u.email, u.full_name, u.is_active, u.created_at, u.last_login_at
		FROM organization_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.organization_id = $1 AND m.user_id = $2
	`, orgID, userID).Scan(
		&member.ID, &member.OrganizationID, &member.UserID, &member.Role,
		&member.CreatedAt, &member.UpdatedAt,
		&member.Email, &fullName, &member.IsActive, &member.UserSince, &lastLogin,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	if fullName.Valid {
		member.FullName = fullName.String
	}
	if lastLogin.Valid {
		member.LastLogin = &lastLogin.Time
	}
	return member, nil
}
