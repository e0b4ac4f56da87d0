package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casewyze/identity/pkg/audit"
	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
)

// ErrUserCreationFailed is returned when a new account could not be
// provisioned. The login flow cannot complete without an account, so this
// is fatal to the attempt.
var ErrUserCreationFailed = errors.New("user creation failed")

// User is an internal user account
type User struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Result is the outcome of a reconciliation
type Result struct {
	UserID    uuid.UUID
	IsNewUser bool
	// RoleChanged is set when an existing membership's role drifted and
	// was corrected
	RoleChanged bool
}

// Reconciler maps verified external identities onto users and memberships
type Reconciler struct {
	db     *sql.DB
	orgs   *orgs.Store
	audit  audit.Logger
	logger *observability.Logger
}

// NewReconciler creates a new identity reconciler
func NewReconciler(db *sql.DB, orgStore *orgs.Store, auditLogger audit.Logger, logger *observability.Logger) *Reconciler {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Reconciler{
		db:     db,
		orgs:   orgStore,
		audit:  auditLogger,
		logger: logger,
	}
}

// GetUserByEmail looks up a user by normalized email
func (r *Reconciler) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	user := &User{}
	var fullName sql.NullString
	var lastLogin sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, is_active, created_at, last_login_at
		FROM users
		WHERE email = $1
	`, normalizeEmail(email)).Scan(
		&user.ID, &user.Email, &fullName, &user.IsActive, &user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	if fullName.Valid {
		user.FullName = fullName.String
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return user, nil
}

// Reconcile finds or creates the user for a verified external identity,
// ensures an organization membership with the resolved role, and corrects
// role drift. The resolved role always wins over the stored one.
func (r *Reconciler) Reconcile(ctx context.Context, orgID uuid.UUID, email, displayName string, role orgs.Role, groupClaims []string) (*Result, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	result := &Result{}

	user, err := r.GetUserByEmail(ctx, email)
	switch {
	case err == sql.ErrNoRows:
		user, err = r.createUser(ctx, email, displayName)
		if err != nil {
			r.auditReconcile(ctx, orgID, email, role, groupClaims, result, err)
			return nil, err
		}
		result.IsNewUser = true
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	result.UserID = user.ID

	membership, err := r.orgs.GetMembership(ctx, orgID, user.ID)
	switch {
	case errors.Is(err, orgs.ErrNotFound):
		if err := r.orgs.AddMember(ctx, orgID, user.ID, role); err != nil && !errors.Is(err, orgs.ErrAlreadyMember) {
			r.auditReconcile(ctx, orgID, email, role, groupClaims, result, err)
			return nil, fmt.Errorf("failed to create membership: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to check membership: %w", err)
	case membership.Role != role:
		if err := r.orgs.UpdateMemberRole(ctx, orgID, user.ID, role); err != nil {
			r.auditReconcile(ctx, orgID, email, role, groupClaims, result, err)
			return nil, fmt.Errorf("failed to update membership role: %w", err)
		}
		result.RoleChanged = true
	}

	// Mirror the role for the authorization layer. Failure here is logged
	// but does not fail the login; the membership row is authoritative.
	if err := r.orgs.UpsertRoleAssignment(ctx, orgID, user.ID, role); err != nil {
		r.logger.WithError(err).Warn("failed to mirror role assignment")
	}

	if _, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = NOW() WHERE id = $1
	`, user.ID); err != nil {
		r.logger.WithError(err).Warn("failed to update last login timestamp")
	}

	r.auditReconcile(ctx, orgID, email, role, groupClaims, result, nil)
	return result, nil
}

// createUser provisions a new account. Credential setup happens on the
// identity platform side; this core only owns the user row.
func (r *Reconciler) createUser(ctx context.Context, email, displayName string) (*User, error) {
	user := &User{
		ID:       uuid.New(),
		Email:    email,
		FullName: displayName,
		IsActive: true,
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, full_name, is_active)
		VALUES ($1, $2, $3, true)
		RETURNING created_at
	`, user.ID, user.Email, user.FullName).Scan(&user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserCreationFailed, err)
	}

	return user, nil
}

// auditReconcile records the outcome of a reconciliation attempt
func (r *Reconciler) auditReconcile(ctx context.Context, orgID uuid.UUID, email string, role orgs.Role, groupClaims []string, result *Result, failure error) {
	eventType := audit.EventTypeUserProvision
	status := audit.EventStatusSuccess
	event := audit.NewEvent(eventType, status, &orgID, email)

	if failure != nil {
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = failure.Error()
	} else if result.RoleChanged {
		event.EventType = audit.EventTypeRoleChange
	}

	if result != nil && result.UserID != uuid.Nil {
		event.UserID = &result.UserID
	}
	event.Metadata["role"] = string(role)
	event.Metadata["groups"] = groupClaims
	if result != nil {
		event.Metadata["new_user"] = result.IsNewUser
	}

	if err := r.audit.Log(ctx, event); err != nil {
		r.logger.WithError(err).Warn("failed to write audit event")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
