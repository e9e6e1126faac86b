package federation

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keywarden/keywarden/pkg/jwks"
	"github.com/keywarden/keywarden/pkg/settings"
)

// ResourceOwner is the authenticated end user as reported by the identity
// provider, reduced to a provider-neutral shape.
type ResourceOwner struct {
	Email string
	Nonce string
	// AuthTime is when the provider says the user last authenticated.
	// Zero when the provider did not report it.
	AuthTime time.Time
}

// Adapter is the per-provider half of the federation flow. The orchestrator
// depends only on this interface; one implementation exists per provider.
type Adapter interface {
	// BuildAuthorizationURL renders the provider's authorization endpoint
	// URL for one round-trip. loginHint is included only when non-empty;
	// a prompt parameter is included only when the configuration forces
	// re-authentication, never to request a silent flow.
	BuildAuthorizationURL(state, nonce, loginHint string) string
	// ExchangeCode redeems an authorization code, verifies the returned
	// ID token and maps its claims. Provider-reported errors surface as
	// *FederationError with the raw response logged server-side.
	ExchangeCode(ctx context.Context, code string) (*ResourceOwner, error)
	// AssertFreshAuthentication applies the provider's recency rules to
	// an authenticated resource owner against the moment the flow began
	AssertFreshAuthentication(owner *ResourceOwner, flowStarted time.Time) error
}

// AdapterDeps carries the shared plumbing every adapter needs
type AdapterDeps struct {
	Verifier   *jwks.Client
	HTTPClient *http.Client
	// RedirectURL is the callback URL registered for this flow
	RedirectURL string
	Logger      *logrus.Entry
}

// NewAdapter builds the adapter for a provider configuration. The context
// covers provider discovery where the provider requires it.
func NewAdapter(ctx context.Context, s *settings.Settings, deps AdapterDeps) (Adapter, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	switch s.Provider {
	case settings.ProviderAzure:
		return newAzureAdapter(s, deps)
	case settings.ProviderGoogle:
		return newGoogleAdapter(ctx, s, deps)
	default:
		return nil, fmt.Errorf("unsupported provider %q", s.Provider)
	}
}

// assertEmail checks that a provider-reported email is syntactically valid
func assertEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: no email claim", jwks.ErrInvalidToken)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: malformed email claim", jwks.ErrInvalidToken)
	}
	return nil
}
