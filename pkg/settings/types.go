package settings

import "time"

// Provider identifies the identity provider a configuration targets
type Provider string

const (
	ProviderAzure  Provider = "azure"
	ProviderGoogle Provider = "google"
)

// Valid reports whether the provider is one this service can build
func (p Provider) Valid() bool {
	switch p {
	case ProviderAzure, ProviderGoogle:
		return true
	}
	return false
}

// Status is the lifecycle status of a provider configuration
type Status string

const (
	// StatusDraft marks a configuration that has not passed a dry run.
	// Drafts are never used for end-user logins.
	StatusDraft Status = "draft"
	// StatusActive marks the configuration used for real logins. At most
	// one record per provider is active at a time.
	StatusActive Status = "active"
	// StatusSuperseded marks records replaced by a later activation.
	// They are retained for audit, never deleted.
	StatusSuperseded Status = "superseded"
)

// PromptMode controls the prompt parameter sent to the IdP
type PromptMode string

const (
	// PromptUnset omits the prompt parameter entirely
	PromptUnset PromptMode = ""
	// PromptLogin forces the IdP to re-authenticate the user
	PromptLogin PromptMode = "login"
	// PromptSilent records that no fresh authentication was requested.
	// The adapter still omits the parameter: sending prompt=none makes
	// the IdP error out for any user without a pre-existing session.
	PromptSilent PromptMode = "none"
)

// Data is the provider-specific configuration blob. The client secret is
// excluded from JSON responses and only loaded when the caller asks for it.
type Data struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	// TenantID restricts Azure logins to one directory tenant
	TenantID string `json:"tenant_id,omitempty"`
	// IssuerURL overrides the default issuer, for sovereign clouds
	IssuerURL string `json:"issuer_url,omitempty"`
	// EmailClaim aliases the claim carrying the user email, when the
	// directory does not populate the standard "email" claim
	EmailClaim string `json:"email_claim,omitempty"`
	// Prompt selects the IdP prompt behavior
	Prompt PromptMode `json:"prompt,omitempty"`
}

// Settings is a named provider configuration record
type Settings struct {
	ID         string    `json:"id"`
	Provider   Provider  `json:"provider"`
	Status     Status    `json:"status"`
	Data       *Data     `json:"data,omitempty"`
	CreatedBy  string    `json:"created_by,omitempty"`
	ModifiedBy string    `json:"modified_by,omitempty"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
}

// IsDraft reports whether the record may be used for an admin dry run
func (s *Settings) IsDraft() bool { return s.Status == StatusDraft }

// IsActive reports whether the record may be used for end-user logins
func (s *Settings) IsActive() bool { return s.Status == StatusActive }
