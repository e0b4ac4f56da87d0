// Package observability provides structured logging, Prometheus metrics,
// and health check endpoints for the identity service.
//
// The logger is a thin wrapper around stdlib slog with JSON output and
// context propagation for request IDs. Metrics cover the federation flow
// (login initiations, callback outcomes) and the SCIM surface.
package observability
