// Package config loads and validates service configuration.
//
// Configuration is read from CASEWYZE_* environment variables into an
// explicit struct constructed once at process start and threaded into each
// component's constructor. An optional YAML file can override individual
// values for local development.
package config
