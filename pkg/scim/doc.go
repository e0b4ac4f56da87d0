// Package scim exposes the SCIM v2 Users resource that external identity
// systems use for automated member provisioning and deprovisioning.
//
// The surface is organization-scoped (/scim/v2/{orgID}/Users) and
// authenticated by the organization's static SCIM bearer token. Mutations
// operate on organization membership, never on the underlying account.
package scim
