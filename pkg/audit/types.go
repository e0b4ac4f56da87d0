package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Federation events
	EventTypeSSOLogin       EventType = "sso.login"
	EventTypeSSOLoginFailed EventType = "sso.login_failed"

	// Reconciliation events
	EventTypeUserProvision EventType = "identity.user_provision"
	EventTypeRoleChange    EventType = "identity.role_change"
	EventTypeMagicLink     EventType = "identity.magic_link"

	// SCIM provisioning events
	EventTypeSCIMCreate     EventType = "scim.user_create"
	EventTypeSCIMUpdate     EventType = "scim.user_update"
	EventTypeSCIMDeactivate EventType = "scim.user_deactivate"
	EventTypeSCIMDelete     EventType = "scim.user_delete"
	EventTypeSCIMDenied     EventType = "scim.access_denied"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	OrgID  *uuid.UUID `json:"org_id,omitempty"`
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Email  string     `json:"email,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ProvisioningAction identifies the kind of SCIM mutation recorded
type ProvisioningAction string

const (
	ProvisioningActionCreate     ProvisioningAction = "create"
	ProvisioningActionUpdate     ProvisioningAction = "update"
	ProvisioningActionDeactivate ProvisioningAction = "deactivate"
	ProvisioningActionReactivate ProvisioningAction = "reactivate"
	ProvisioningActionDelete     ProvisioningAction = "delete"
)

// ProvisioningLogEntry is one append-only record of a SCIM action
type ProvisioningLogEntry struct {
	ID           int64              `json:"id"`
	OrgID        uuid.UUID          `json:"org_id"`
	Action       ProvisioningAction `json:"action"`
	UserEmail    string             `json:"user_email,omitempty"`
	Success      bool               `json:"success"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Payload      []byte             `json:"payload,omitempty"` // raw request body
	CreatedAt    time.Time          `json:"created_at"`
}
