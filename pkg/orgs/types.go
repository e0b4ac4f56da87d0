package orgs

import (
	"time"

	"github.com/google/uuid"
)

// Role is an organization-scoped application role
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleManager      Role = "manager"
	RoleInvestigator Role = "investigator"
	RoleMember       Role = "member"
)

// DefaultFallbackRole is assigned when neither the mapping rules nor the
// SSO config produce a role.
const DefaultFallbackRole = RoleMember

// Valid reports whether the role is one of the known application roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleInvestigator, RoleMember:
		return true
	}
	return false
}

// ProviderType identifies the federation protocol of an SSO config
type ProviderType string

const (
	ProviderOIDC ProviderType = "oidc"
	ProviderSAML ProviderType = "saml"
)

// Organization represents a tenant
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsActive  bool      `json:"is_active"`
	SCIMToken string    `json:"-"` // static bearer secret for the SCIM surface
	CreatedAt time.Time `json:"created_at"`
}

// SSOConfig is an organization's identity-provider configuration.
// At most one active config exists per organization per provider type,
// enforced by a uniqueness constraint.
type SSOConfig struct {
	ID             int64        `json:"id"`
	OrgID          uuid.UUID    `json:"org_id"`
	Provider       ProviderType `json:"provider"`
	IdPName        string       `json:"idp_name"`
	IssuerURL      string       `json:"issuer_url"`
	ClientID       string       `json:"client_id"`
	ClientSecret   string       `json:"-"` // never expose secret in JSON
	SAMLLoginURL   string       `json:"saml_login_url,omitempty"`
	IdPCertificate string       `json:"-"` // PEM; enables signature verification
	Enabled        bool         `json:"enabled"`
	EnforceSSO     bool         `json:"enforce_sso"`
	DefaultRole    Role         `json:"default_role"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Membership ties a user to an organization with a role
type Membership struct {
	ID             int64     `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         uuid.UUID `json:"user_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Member is a membership joined with user details, for SCIM listings
type Member struct {
	Membership
	Email     string     `json:"email"`
	FullName  string     `json:"full_name,omitempty"`
	IsActive  bool       `json:"is_active"`
	UserSince time.Time  `json:"user_since"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}
