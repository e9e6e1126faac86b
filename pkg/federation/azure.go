package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/keywarden/keywarden/pkg/jwks"
	"github.com/keywarden/keywarden/pkg/settings"
)

// azureAdapter speaks the Microsoft identity platform v2.0 protocol
type azureAdapter struct {
	oauth    oauth2.Config
	issuer   string
	tenantID string
	prompt   settings.PromptMode
	email    string

	verifier   *jwks.Client
	httpClient *http.Client
	log        *logrus.Entry
}

func newAzureAdapter(s *settings.Settings, deps AdapterDeps) (Adapter, error) {
	if s.Data == nil {
		return nil, fmt.Errorf("settings %s carry no provider data", s.ID)
	}
	tenant := s.Data.TenantID
	if tenant == "" {
		return nil, fmt.Errorf("azure settings %s have no tenant id", s.ID)
	}
	issuer := s.Data.IssuerURL
	if issuer == "" {
		issuer = fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenant)
	}
	emailClaim := s.Data.EmailClaim
	if emailClaim == "" {
		emailClaim = "email"
	}
	return &azureAdapter{
		oauth: oauth2.Config{
			ClientID:     s.Data.ClientID,
			ClientSecret: s.Data.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			RedirectURL:  deps.RedirectURL,
			Scopes:       []string{"openid", "profile", "email"},
		},
		issuer:     issuer,
		tenantID:   tenant,
		prompt:     s.Data.Prompt,
		email:      emailClaim,
		verifier:   deps.Verifier,
		httpClient: deps.HTTPClient,
		log:        deps.Logger.WithField("provider", "azure"),
	}, nil
}

func (a *azureAdapter) BuildAuthorizationURL(state, nonce, loginHint string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	// a prompt is sent only to force re-authentication; "none" breaks the
	// flow for anyone without a live provider session, so it is never sent
	if a.prompt == settings.PromptLogin {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "login"))
	}
	if loginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	return a.oauth.AuthCodeURL(state, opts...)
}

func (a *azureAdapter) ExchangeCode(ctx context.Context, code string) (*ResourceOwner, error) {
	if a.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, a.mapExchangeError(err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: token response carried no id_token", jwks.ErrInvalidToken)
	}

	claims, err := a.verifier.VerifyIDToken(ctx, raw, a.issuer, a.oauth.ClientID)
	if err != nil {
		return nil, err
	}
	return a.ownerFromClaims(claims)
}

// ownerFromClaims applies the platform-specific claim rules on top of the
// generic signature and standard-claim checks
func (a *azureAdapter) ownerFromClaims(claims jwt.Token) (*ResourceOwner, error) {
	if tid, _ := claims.Get("tid"); tid != a.tenantID {
		return nil, fmt.Errorf("%w: token issued for another tenant", jwks.ErrInvalidToken)
	}
	if ver, _ := claims.Get("ver"); ver != "2.0" {
		return nil, fmt.Errorf("%w: unexpected protocol version", jwks.ErrInvalidToken)
	}

	email, _ := stringClaim(claims.Get(a.email))
	if err := assertEmail(email); err != nil {
		return nil, err
	}
	nonce, _ := stringClaim(claims.Get("nonce"))

	owner := &ResourceOwner{Email: email, Nonce: nonce}
	if at, ok := claims.Get("auth_time"); ok {
		owner.AuthTime = numericTime(at)
	}
	return owner, nil
}

// AssertFreshAuthentication rejects a session older than the flow, which
// would mean the provider skipped authenticating the user. Skipped when the
// configuration asks for a silent flow, where no fresh login was requested,
// and when the optional auth_time claim is absent.
func (a *azureAdapter) AssertFreshAuthentication(owner *ResourceOwner, flowStarted time.Time) error {
	if a.prompt == settings.PromptSilent {
		return nil
	}
	if owner.AuthTime.IsZero() {
		return nil
	}
	if owner.AuthTime.Before(flowStarted) {
		return fmt.Errorf("%w: authentication predates this flow", ErrResourceOwnerMismatch)
	}
	return nil
}

func (a *azureAdapter) mapExchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.ErrorCode
		if code == "" {
			code = "unknown_error"
		}
		// the raw provider response stays in the server log only
		a.log.WithFields(logrus.Fields{
			"error_code":        code,
			"error_description": rerr.ErrorDescription,
			"status":            rerr.Response.StatusCode,
		}).Error("identity provider rejected code exchange")
		return &FederationError{Code: code, Description: rerr.ErrorDescription}
	}
	return fmt.Errorf("token exchange: %w", err)
}

func stringClaim(v interface{}, ok bool) (string, bool) {
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// numericTime maps a numeric-date claim to a time, tolerating the decoder
// representations jwx may hand back
func numericTime(v interface{}) time.Time {
	switch n := v.(type) {
	case time.Time:
		return n
	case float64:
		return time.Unix(int64(n), 0)
	case int64:
		return time.Unix(n, 0)
	case json.Number:
		sec, err := n.Int64()
		if err != nil {
			return time.Time{}
		}
		return time.Unix(sec, 0)
	case string:
		sec, err := json.Number(strings.TrimSpace(n)).Int64()
		if err != nil {
			return time.Time{}
		}
		return time.Unix(sec, 0)
	}
	return time.Time{}
}
