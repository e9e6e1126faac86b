// Package config provides application configuration management from an
// optional YAML file and environment variables.
//
// # Overview
//
// Configuration is loaded in three layers: built-in defaults, an optional
// YAML file, then environment variables. Later layers win.
//
// # Configuration Structure
//
// Server settings:
//
//	KEYWARDEN_HOST="0.0.0.0"
//	KEYWARDEN_PORT="8080"
//	KEYWARDEN_HEALTH_PORT="9090"
//	KEYWARDEN_BASE_URL="https://vault.example.com"
//
// Database settings:
//
//	KEYWARDEN_DB_DRIVER="postgres"  # postgres, sqlite3
//	KEYWARDEN_DB_URL="postgres://localhost/keywarden"
//	KEYWARDEN_REDIS_ADDR="localhost:6379"  # optional handoff token backend
//
// SSO protocol settings:
//
//	KEYWARDEN_SSO_COOKIE_NAME="sso_state"
//	KEYWARDEN_SSO_COOKIE_PATH="/sso"
//	KEYWARDEN_SSO_LOGIN_STATE_TTL="10m"
//	KEYWARDEN_SSO_JWT_LEEWAY="30s"
//	KEYWARDEN_SSO_CHECK_CLIENT_IP="true"
//	KEYWARDEN_SSO_CHECK_USER_AGENT="true"
//
// Observability settings:
//
//	KEYWARDEN_LOG_LEVEL="info"  # debug, info, warn, error
//	KEYWARDEN_METRICS_ENABLED="true"
//	KEYWARDEN_OTEL_ENABLED="false"
//
// # Hot Reload
//
// The IP and user-agent binding checks can be flipped at runtime by editing
// the YAML file; Watcher picks up the change without a restart. This matters
// for deployments moved behind a proxy that rewrites the client IP.
package config
