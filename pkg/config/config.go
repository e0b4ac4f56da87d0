package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casewyze/identity/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	SSO           SSOConfig           `yaml:"sso"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// RedisConfig holds the optional Redis connection used by the transport-state
// replay guard. An empty URL disables the guard.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SSOConfig holds federation flow settings
type SSOConfig struct {
	// BaseURL is the externally reachable URL of this service, used to
	// build redirect URIs and SAML ACS/metadata endpoints.
	BaseURL string `yaml:"base_url"`

	// StateTTL is the staleness window for transport state
	StateTTL time.Duration `yaml:"state_ttl"`

	// MagicLinkTTL is the validity window for issued login links
	MagicLinkTTL time.Duration `yaml:"magic_link_ttl"`

	// DefaultRedirect is the post-login target when none is requested
	DefaultRedirect string `yaml:"default_redirect"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"log_level"`
	MetricsEnabled bool                   `yaml:"metrics_enabled"`

	// AuditRetention bounds how long audit events are kept
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// Load builds configuration from environment variables
func Load() (*Config, error) {
	cfg := loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromEnv reads all CASEWYZE_* variables without validating
func loadFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("CASEWYZE_HOST", "0.0.0.0"),
			Port:            getEnv("CASEWYZE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("CASEWYZE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("CASEWYZE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("CASEWYZE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("CASEWYZE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("CASEWYZE_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:         getEnv("CASEWYZE_POSTGRES_URL", ""),
			MaxConns:    getEnvInt("CASEWYZE_POSTGRES_MAX_CONNS", 25),
			MinConns:    getEnvInt("CASEWYZE_POSTGRES_MIN_CONNS", 5),
			Timeout:     getEnvDuration("CASEWYZE_POSTGRES_TIMEOUT", 10*time.Second),
			MaxLifetime: getEnvDuration("CASEWYZE_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("CASEWYZE_REDIS_URL", ""),
			Password: getEnv("CASEWYZE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("CASEWYZE_REDIS_DB", 0),
		},
		SSO: SSOConfig{
			BaseURL:         getEnv("CASEWYZE_BASE_URL", ""),
			StateTTL:        getEnvDuration("CASEWYZE_SSO_STATE_TTL", 5*time.Minute),
			MagicLinkTTL:    getEnvDuration("CASEWYZE_MAGIC_LINK_TTL", 15*time.Minute),
			DefaultRedirect: getEnv("CASEWYZE_DEFAULT_REDIRECT", "/dashboard"),
		},
		Observability: ObservabilityConfig{
			LogLevelName:   getEnv("CASEWYZE_LOG_LEVEL", "info"),
			MetricsEnabled: getEnvBool("CASEWYZE_METRICS_ENABLED", true),
			AuditRetention: getEnvDuration("CASEWYZE_AUDIT_RETENTION", 90*24*time.Hour),
		},
	}

	cfg.Observability.LogLevel = ParseLogLevel(cfg.Observability.LogLevelName)
	return cfg
}

// LoadFile loads environment-based configuration, then overlays values from
// a YAML file. Values absent from the file keep their environment defaults.
func LoadFile(path string) (*Config, error) {
	cfg := loadFromEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Observability.LogLevelName != "" {
		cfg.Observability.LogLevel = ParseLogLevel(cfg.Observability.LogLevelName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.SSO.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if strings.HasSuffix(c.SSO.BaseURL, "/") {
		return fmt.Errorf("base URL must not end with a slash")
	}
	if c.SSO.StateTTL <= 0 {
		return fmt.Errorf("state TTL must be positive")
	}
	if c.SSO.MagicLinkTTL <= 0 {
		return fmt.Errorf("magic link TTL must be positive")
	}
	if c.Observability.AuditRetention <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}
	return nil
}

// ParseLogLevel parses a log level string
func ParseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
