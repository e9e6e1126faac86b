package handoff

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Type is the privileged follow-up action a handoff token authorizes
type Type string

const (
	// TypeGetKey authorizes one retrieval of the caller's server-side key
	TypeGetKey Type = "get-key"
	// TypeActivateSettings authorizes one activation of the draft
	// configuration an admin just dry-ran
	TypeActivateSettings Type = "activate-settings"
	// TypeRecover authorizes one account recovery continuation
	TypeRecover Type = "recover"
)

// Valid reports whether the type is a known token type
func (t Type) Valid() bool {
	switch t {
	case TypeGetKey, TypeActivateSettings, TypeRecover:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no active token matches. Used, expired
	// and never-issued tokens all land here.
	ErrNotFound = errors.New("handoff token not found")
	// ErrUserMismatch is returned when the token belongs to another user
	ErrUserMismatch = errors.New("handoff token user mismatch")
	// ErrClientMismatch is returned when the asserting request's client
	// binding does not match the one captured at issuance
	ErrClientMismatch = errors.New("handoff token client mismatch")
)

// Data is the client binding and flow context captured when a token is
// issued, re-checked when it is spent.
type Data struct {
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	SettingsID string `json:"settings_id,omitempty"`
}

// Token is a short-lived single-use credential bridging a finished SSO
// round-trip to one privileged follow-up request.
type Token struct {
	Value   string
	UserID  string
	Type    Type
	Data    Data
	Active  bool
	Created time.Time
	Expires time.Time
}

// Expired reports whether the token is past its lifetime
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.Expires)
}

// TTLs holds the per-type token lifetime
type TTLs struct {
	GetKey           time.Duration
	ActivateSettings time.Duration
	Recover          time.Duration
}

// For returns the lifetime for a token type
func (t TTLs) For(typ Type) time.Duration {
	switch typ {
	case TypeActivateSettings:
		return t.ActivateSettings
	case TypeRecover:
		return t.Recover
	default:
		return t.GetKey
	}
}

const valueBytes = 32

// NewTokenValue returns a URL-safe random token value with 256 bits of
// entropy.
func NewTokenValue() (string, error) {
	buf := make([]byte, valueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
