// Package middleware provides the HTTP middleware chain shared by the API
// server: request ID propagation, structured request logging, and request
// metrics.
package middleware
