// Package httputil provides HTTP handler utilities for consistent error
// handling and JSON encoding across the identity service's endpoints.
package httputil
