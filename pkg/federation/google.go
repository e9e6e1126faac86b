package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/keywarden/keywarden/pkg/jwks"
	"github.com/keywarden/keywarden/pkg/settings"
)

const googleIssuer = "https://accounts.google.com"

// googleAdapter rides on standard OpenID Connect discovery; Google needs
// none of the tenant plumbing Azure does
type googleAdapter struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	prompt   settings.PromptMode
	email    string

	httpClient *http.Client
	log        *logrus.Entry
}

func newGoogleAdapter(ctx context.Context, s *settings.Settings, deps AdapterDeps) (Adapter, error) {
	if s.Data == nil {
		return nil, fmt.Errorf("settings %s carry no provider data", s.ID)
	}
	issuer := s.Data.IssuerURL
	if issuer == "" {
		issuer = googleIssuer
	}
	if deps.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, deps.HTTPClient)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	emailClaim := s.Data.EmailClaim
	if emailClaim == "" {
		emailClaim = "email"
	}
	return &googleAdapter{
		oauth: oauth2.Config{
			ClientID:     s.Data.ClientID,
			ClientSecret: s.Data.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  deps.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier:   provider.Verifier(&oidc.Config{ClientID: s.Data.ClientID}),
		prompt:     s.Data.Prompt,
		email:      emailClaim,
		httpClient: deps.HTTPClient,
		log:        deps.Logger.WithField("provider", "google"),
	}, nil
}

func (g *googleAdapter) BuildAuthorizationURL(state, nonce, loginHint string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	if g.prompt == settings.PromptLogin {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "login"))
	}
	if loginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	return g.oauth.AuthCodeURL(state, opts...)
}

func (g *googleAdapter) ExchangeCode(ctx context.Context, code string) (*ResourceOwner, error) {
	if g.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	}
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, g.mapExchangeError(err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: token response carried no id_token", jwks.ErrInvalidToken)
	}

	idToken, err := g.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jwks.ErrInvalidToken, err)
	}
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", jwks.ErrInvalidToken, err)
	}
	email, _ := claims[g.email].(string)
	if err := assertEmail(email); err != nil {
		return nil, err
	}
	return &ResourceOwner{Email: email, Nonce: idToken.Nonce}, nil
}

// AssertFreshAuthentication is a no-op for Google, which reports no
// auth_time under the scopes requested here.
func (g *googleAdapter) AssertFreshAuthentication(owner *ResourceOwner, flowStarted time.Time) error {
	return nil
}

func (g *googleAdapter) mapExchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.ErrorCode
		if code == "" {
			code = "unknown_error"
		}
		g.log.WithFields(logrus.Fields{
			"error_code":        code,
			"error_description": rerr.ErrorDescription,
			"status":            rerr.Response.StatusCode,
		}).Error("identity provider rejected code exchange")
		return &FederationError{Code: code, Description: rerr.ErrorDescription}
	}
	return fmt.Errorf("token exchange: %w", err)
}
