// Package handoff issues and spends the short-lived single-use tokens that
// bridge a completed SSO round-trip to its one privileged follow-up request,
// such as fetching a server-side key or activating a draft configuration.
// Two backends exist: SQL against the primary database and Redis.
package handoff
