// Package sso implements the federated login flow: OIDC authorization-code
// with PKCE, SAML 2.0 redirect binding, the stateless transport-state codec
// that carries flow context across the IdP round-trip, and the HTTP handlers
// for initiation, callback, metadata, and login completion.
package sso
