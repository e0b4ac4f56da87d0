// Package orgs holds the organization domain: organizations, per-org SSO
// configuration, and organization memberships.
//
// The federation flow treats SSO configuration as read-only; it is created
// and edited elsewhere. Membership rows are the durable effect of identity
// reconciliation and SCIM provisioning.
package orgs
