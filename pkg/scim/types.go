package scim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/casewyze/identity/pkg/orgs"
)

// SCIM v2 schema URNs
const (
	SchemaUser         = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaListResponse = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaError        = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaPatchOp      = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
)

const contentType = "application/scim+json"

// Name is the SCIM structured name attribute
type Name struct {
	Formatted  string `json:"formatted,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// Email is one entry of the SCIM emails multi-valued attribute
type Email struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary,omitempty"`
}

// GroupRef is a group membership reference carried on a user resource.
// Only the display name is meaningful to role mapping.
type GroupRef struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
}

// Meta is the SCIM resource metadata block
type Meta struct {
	ResourceType string    `json:"resourceType"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	Location     string    `json:"location,omitempty"`
}

// User is the SCIM representation of an organization member
type User struct {
	Schemas     []string   `json:"schemas"`
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	Name        *Name      `json:"name,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Emails      []Email    `json:"emails,omitempty"`
	Groups      []GroupRef `json:"groups,omitempty"`
	Active      bool       `json:"active"`
	Meta        Meta       `json:"meta"`
}

// ListResponse is the SCIM paginated list envelope
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []*User  `json:"Resources"`
}

// Error is the SCIM error envelope
type Error struct {
	Schemas []string `json:"schemas"`
	Detail  string   `json:"detail"`
	Status  string   `json:"status"`
}

// NewError builds a SCIM error body for a status code
func NewError(status int, detail string) *Error {
	return &Error{
		Schemas: []string{SchemaError},
		Detail:  detail,
		Status:  fmt.Sprintf("%d", status),
	}
}

// PatchOperation is one entry of a PatchOp Operations array. Value stays
// raw because callers send both bare booleans and attribute objects.
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchRequest is the SCIM PATCH body
type PatchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// createUserRequest is the accepted subset of a SCIM user create payload
type createUserRequest struct {
	Schemas     []string   `json:"schemas"`
	UserName    string     `json:"userName"`
	Name        *Name      `json:"name,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Emails      []Email    `json:"emails,omitempty"`
	Groups      []GroupRef `json:"groups,omitempty"`
	Active      *bool      `json:"active,omitempty"`
}

// email resolves the create payload's email: userName when it looks like an
// address, else the primary (or first) emails entry
func (r *createUserRequest) email() string {
	if r.UserName != "" {
		return r.UserName
	}
	for _, e := range r.Emails {
		if e.Primary {
			return e.Value
		}
	}
	if len(r.Emails) > 0 {
		return r.Emails[0].Value
	}
	return ""
}

// displayName resolves the best available human name from the payload
func (r *createUserRequest) displayName() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	if r.Name != nil {
		if r.Name.Formatted != "" {
			return r.Name.Formatted
		}
		if r.Name.GivenName != "" || r.Name.FamilyName != "" {
			name := r.Name.GivenName
			if r.Name.FamilyName != "" {
				if name != "" {
					name += " "
				}
				name += r.Name.FamilyName
			}
			return name
		}
	}
	return ""
}

// groupNames extracts the group display names used for role mapping
func (r *createUserRequest) groupNames() []string {
	var names []string
	for _, g := range r.Groups {
		if g.Display != "" {
			names = append(names, g.Display)
		}
	}
	return names
}

// memberToUser maps an organization member onto its SCIM representation
func memberToUser(member *orgs.Member, location string) *User {
	user := &User{
		Schemas:     []string{SchemaUser},
		ID:          member.UserID.String(),
		UserName:    member.Email,
		DisplayName: member.FullName,
		Active:      member.IsActive,
		Emails: []Email{
			{Value: member.Email, Primary: true},
		},
		Meta: Meta{
			ResourceType: "User",
			Created:      member.CreatedAt,
			LastModified: member.UpdatedAt,
			Location:     location,
		},
	}
	if member.FullName != "" {
		user.Name = &Name{Formatted: member.FullName}
	}
	return user
}
