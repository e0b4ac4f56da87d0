package sso

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Flow errors. Handlers map these to HTTP statuses; everything else is a 500.
var (
	// ErrConfigurationMissing means the organization has no enabled SSO config
	ErrConfigurationMissing = errors.New("sso configuration missing")

	// ErrStateMalformed means the round-tripped state could not be decoded
	ErrStateMalformed = errors.New("transport state malformed")

	// ErrStateExpired means the state is older than the staleness window
	ErrStateExpired = errors.New("transport state expired")

	// ErrStateReplayed means the state was already consumed once
	ErrStateReplayed = errors.New("transport state replayed")

	// ErrTokenExchangeFailed means the authorization code could not be
	// exchanged at the IdP token endpoint
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrNonceMismatch means the ID token's nonce did not match the one
	// bound into the transport state
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrSAMLParseFailed means the SAML response XML could not be parsed
	// or its signature could not be verified
	ErrSAMLParseFailed = errors.New("saml response invalid")

	// ErrMissingEmail means the assertion carried no usable email identifier
	ErrMissingEmail = errors.New("identity has no email")
)

// TransportState is the flow context round-tripped through the IdP in the
// OAuth state / SAML RelayState parameter. It is encoded, not stored; the
// CreatedAt field bounds staleness and the optional replay guard enforces
// single use.
type TransportState struct {
	OrgID         uuid.UUID `json:"org_id"`
	RedirectURL   string    `json:"redirect_url,omitempty"`
	PKCEVerifier  string    `json:"pkce_verifier,omitempty"`
	Nonce         string    `json:"nonce,omitempty"`
	SAMLRequestID string    `json:"saml_request_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExternalIdentity is what an adapter extracts from a verified IdP response
type ExternalIdentity struct {
	Email       string
	DisplayName string
	Groups      []string
}
