// Package storage manages the PostgreSQL connection pool and schema
// migrations for the identity service.
package storage
