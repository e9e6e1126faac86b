package ssostate

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Type is the flow a state row guards
type Type string

const (
	// TypeLogin guards a regular end-user login
	TypeLogin Type = "login"
	// TypeSetSettings guards an admin dry run against a draft configuration
	TypeSetSettings Type = "set-settings"
	// TypeRecover guards an account recovery flow, where the user is not
	// yet known when the flow starts
	TypeRecover Type = "recover"
)

// Valid reports whether the type is a known flow type
func (t Type) Valid() bool {
	switch t {
	case TypeLogin, TypeSetSettings, TypeRecover:
		return true
	}
	return false
}

// valueBytes is the entropy of state and nonce values (256 bits)
const valueBytes = 32

var (
	// ErrNotFound is returned when no unconsumed row matches the lookup.
	// Callers must not distinguish "expired", "consumed" and "never
	// existed" in responses.
	ErrNotFound = errors.New("sso state not found")
	// ErrExpired is returned by assertion on an expired row
	ErrExpired = errors.New("sso state expired")
	// ErrUserMismatch is returned when the bound user does not match
	ErrUserMismatch = errors.New("sso state user mismatch")
	// ErrClientMismatch is returned when the bound ip or user agent does
	// not match
	ErrClientMismatch = errors.New("sso state client mismatch")
	// ErrSettingsMismatch is returned when the bound settings id does not
	// match
	ErrSettingsMismatch = errors.New("sso state settings mismatch")
	// ErrMalformedValue is returned for a state value that is not a
	// well-formed token
	ErrMalformedValue = errors.New("malformed sso state value")
)

// State is a single-use CSRF/replay guard for one authorization round-trip.
// The state value round-trips through the browser (query parameter and
// cookie); the nonce binds the ID token to this flow.
type State struct {
	ID         string
	Nonce      string
	Value      string
	Type       Type
	SettingsID string
	// UserID is empty for the recover flow, where the user is unknown
	// until the IdP reports an email
	UserID     string
	UserAgent  string
	IP         string
	Created    time.Time
	Expires    time.Time
	ConsumedAt *time.Time
}

// Expired reports whether the row is past its expiry
func (s *State) Expired(now time.Time) bool {
	return now.After(s.Expires)
}

// RequestContext carries the calling request's client binding and the
// deployment's runtime toggles. Proxied deployments that rewrite the client
// IP disable CheckIP without losing the user-agent check.
type RequestContext struct {
	IP             string
	UserAgent      string
	CheckIP        bool
	CheckUserAgent bool
}

// NewSecureValue returns a URL-safe random value with 256 bits of entropy,
// suitable for state and nonce parameters.
func NewSecureValue() (string, error) {
	buf := make([]byte, valueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateValue checks that a browser-supplied value is a well-formed token
// before it is used in a store lookup.
func ValidateValue(value string) error {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return ErrMalformedValue
	}
	// 128 bits is the floor; locally generated values carry 256
	if len(raw) < 16 {
		return ErrMalformedValue
	}
	return nil
}
