package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keywarden/keywarden/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional handoff token backend)
	Redis RedisConfig `yaml:"redis"`

	// SSO protocol configuration
	SSO SSOConfig `yaml:"sso"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	BaseURL         string        `yaml:"base_url"` // public origin, used in redirect URLs
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds SQL store configuration
type DatabaseConfig struct {
	Driver   string        `yaml:"driver"` // "postgres" or "sqlite3"
	URL      string        `yaml:"url"`
	MaxConns int           `yaml:"max_conns"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig holds optional Redis configuration. When Addr is empty the
// handoff token store falls back to SQL.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// SSOConfig holds the federation protocol settings
type SSOConfig struct {
	// CookieName is the CSRF state cookie name
	CookieName string `yaml:"cookie_name"`
	// CookiePath scopes the state cookie to the SSO endpoints
	CookiePath string `yaml:"cookie_path"`

	// State time-to-live per flow type
	LoginStateTTL    time.Duration `yaml:"login_state_ttl"`
	SettingsStateTTL time.Duration `yaml:"settings_state_ttl"`
	RecoverStateTTL  time.Duration `yaml:"recover_state_ttl"`

	// Handoff token time-to-live per downstream type
	GetKeyTokenTTL   time.Duration `yaml:"get_key_token_ttl"`
	ActivateTokenTTL time.Duration `yaml:"activate_token_ttl"`
	RecoverTokenTTL  time.Duration `yaml:"recover_token_ttl"`

	// JWTLeeway tolerates clock skew when verifying exp/nbf
	JWTLeeway time.Duration `yaml:"jwt_leeway"`

	// JWKS key set cache
	JWKSCacheTTL  time.Duration `yaml:"jwks_cache_ttl"`
	JWKSCacheSize int           `yaml:"jwks_cache_size"`

	// Security toggles. Deployments behind proxies that rewrite the client
	// IP can disable the IP binding check without losing the UA check.
	CheckClientIP  bool `yaml:"check_client_ip"`
	CheckUserAgent bool `yaml:"check_user_agent"`

	// ReaperSchedule is a cron expression for sweeping expired state rows
	ReaperSchedule string `yaml:"reaper_schedule"`

	// IdPTimeout bounds outbound calls to the identity provider
	IdPTimeout time.Duration `yaml:"idp_timeout"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel     observability.LogLevel `yaml:"-"`
	LogLevelName string                 `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// LoadConfig loads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over file values.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()

	cfg.Observability.LogLevel = parseLogLevel(cfg.Observability.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			MaxConns: 25,
			Timeout:  5 * time.Second,
		},
		SSO: SSOConfig{
			CookieName:       "sso_state",
			CookiePath:       "/sso",
			LoginStateTTL:    10 * time.Minute,
			SettingsStateTTL: 10 * time.Minute,
			RecoverStateTTL:  10 * time.Minute,
			GetKeyTokenTTL:   1 * time.Minute,
			ActivateTokenTTL: 5 * time.Minute,
			RecoverTokenTTL:  30 * time.Minute,
			JWTLeeway:        30 * time.Second,
			JWKSCacheTTL:     1 * time.Hour,
			JWKSCacheSize:    16,
			CheckClientIP:    true,
			CheckUserAgent:   true,
			ReaperSchedule:   "@every 15m",
			IdPTimeout:       10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevelName:       "info",
			MetricsEnabled:     true,
			OTelEnabled:        false,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "keywarden-sso",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// loadFile merges values from a YAML file over the defaults
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// loadEnv merges environment variables over file/default values
func (c *Config) loadEnv() {
	c.Server.Host = getEnv("KEYWARDEN_HOST", c.Server.Host)
	c.Server.Port = getEnv("KEYWARDEN_PORT", c.Server.Port)
	c.Server.BaseURL = getEnv("KEYWARDEN_BASE_URL", c.Server.BaseURL)
	c.Server.ReadTimeout = getEnvDuration("KEYWARDEN_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("KEYWARDEN_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("KEYWARDEN_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("KEYWARDEN_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.HealthPort = getEnv("KEYWARDEN_HEALTH_PORT", c.Server.HealthPort)

	c.Database.Driver = getEnv("KEYWARDEN_DB_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("KEYWARDEN_DB_URL", c.Database.URL)
	c.Database.MaxConns = getEnvInt("KEYWARDEN_DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.Timeout = getEnvDuration("KEYWARDEN_DB_TIMEOUT", c.Database.Timeout)

	c.Redis.Addr = getEnv("KEYWARDEN_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("KEYWARDEN_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("KEYWARDEN_REDIS_DB", c.Redis.DB)

	c.SSO.CookieName = getEnv("KEYWARDEN_SSO_COOKIE_NAME", c.SSO.CookieName)
	c.SSO.CookiePath = getEnv("KEYWARDEN_SSO_COOKIE_PATH", c.SSO.CookiePath)
	c.SSO.LoginStateTTL = getEnvDuration("KEYWARDEN_SSO_LOGIN_STATE_TTL", c.SSO.LoginStateTTL)
	c.SSO.SettingsStateTTL = getEnvDuration("KEYWARDEN_SSO_SETTINGS_STATE_TTL", c.SSO.SettingsStateTTL)
	c.SSO.RecoverStateTTL = getEnvDuration("KEYWARDEN_SSO_RECOVER_STATE_TTL", c.SSO.RecoverStateTTL)
	c.SSO.GetKeyTokenTTL = getEnvDuration("KEYWARDEN_SSO_GET_KEY_TOKEN_TTL", c.SSO.GetKeyTokenTTL)
	c.SSO.ActivateTokenTTL = getEnvDuration("KEYWARDEN_SSO_ACTIVATE_TOKEN_TTL", c.SSO.ActivateTokenTTL)
	c.SSO.RecoverTokenTTL = getEnvDuration("KEYWARDEN_SSO_RECOVER_TOKEN_TTL", c.SSO.RecoverTokenTTL)
	c.SSO.JWTLeeway = getEnvDuration("KEYWARDEN_SSO_JWT_LEEWAY", c.SSO.JWTLeeway)
	c.SSO.JWKSCacheTTL = getEnvDuration("KEYWARDEN_SSO_JWKS_CACHE_TTL", c.SSO.JWKSCacheTTL)
	c.SSO.JWKSCacheSize = getEnvInt("KEYWARDEN_SSO_JWKS_CACHE_SIZE", c.SSO.JWKSCacheSize)
	c.SSO.CheckClientIP = getEnvBool("KEYWARDEN_SSO_CHECK_CLIENT_IP", c.SSO.CheckClientIP)
	c.SSO.CheckUserAgent = getEnvBool("KEYWARDEN_SSO_CHECK_USER_AGENT", c.SSO.CheckUserAgent)
	c.SSO.ReaperSchedule = getEnv("KEYWARDEN_SSO_REAPER_SCHEDULE", c.SSO.ReaperSchedule)
	c.SSO.IdPTimeout = getEnvDuration("KEYWARDEN_SSO_IDP_TIMEOUT", c.SSO.IdPTimeout)

	c.Observability.LogLevelName = getEnv("KEYWARDEN_LOG_LEVEL", c.Observability.LogLevelName)
	c.Observability.MetricsEnabled = getEnvBool("KEYWARDEN_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("KEYWARDEN_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("KEYWARDEN_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("KEYWARDEN_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelServiceVersion = getEnv("KEYWARDEN_OTEL_SERVICE_VERSION", c.Observability.OTelServiceVersion)
	c.Observability.OTelInsecure = getEnvBool("KEYWARDEN_OTEL_INSECURE", c.Observability.OTelInsecure)
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
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.SSO.CookieName == "" {
		return fmt.Errorf("SSO cookie name is required")
	}
	if !strings.HasPrefix(c.SSO.CookiePath, "/") {
		return fmt.Errorf("SSO cookie path must start with /: %s", c.SSO.CookiePath)
	}
	for name, ttl := range map[string]time.Duration{
		"login state":    c.SSO.LoginStateTTL,
		"settings state": c.SSO.SettingsStateTTL,
		"recover state":  c.SSO.RecoverStateTTL,
		"get-key token":  c.SSO.GetKeyTokenTTL,
		"activate token": c.SSO.ActivateTokenTTL,
		"recover token":  c.SSO.RecoverTokenTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s TTL must be positive", name)
		}
	}
	if c.SSO.JWTLeeway < 0 {
		return fmt.Errorf("JWT leeway must not be negative")
	}
	if c.SSO.IdPTimeout <= 0 {
		return fmt.Errorf("IdP timeout must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
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
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
