// Package audit records identity and provisioning events for compliance
// traceability.
//
// Two durable records exist: audit_events, written for both the success and
// failure paths of reconciliation and SCIM mutations, and provisioning_log,
// an append-only journal of SCIM actions including the raw request payload
// for forensic replay. Neither is mutated after creation.
package audit
