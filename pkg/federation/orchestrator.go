package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/keywarden/keywarden/pkg/config"
	"github.com/keywarden/keywarden/pkg/handoff"
	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/settings"
	"github.com/keywarden/keywarden/pkg/ssostate"
)

// OrchestratorConfig carries the cookie surface shared by every flow
type OrchestratorConfig struct {
	CookieName string
	CookiePath string
}

// Orchestrator drives one provider configuration through the two-stage
// federation protocol. It is built per request with the configuration the
// caller resolved, active for real logins, draft for admin dry runs, so
// nothing is read from ambient state.
type Orchestrator struct {
	settings  *settings.Settings
	adapter   Adapter
	states    *ssostate.Store
	handoffs  handoff.Store
	users     Directory
	registrar Registrar
	cfg       OrchestratorConfig
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewOrchestrator wires an orchestrator for one resolved configuration
func NewOrchestrator(s *settings.Settings, adapter Adapter, states *ssostate.Store,
	handoffs handoff.Store, users Directory, registrar Registrar,
	cfg OrchestratorConfig, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		settings:  s,
		adapter:   adapter,
		states:    states,
		handoffs:  handoffs,
		users:     users,
		registrar: registrar,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Stage1Result is the authorization URL plus the cookie holding the
// untrusted half of the CSRF guard
type Stage1Result struct {
	AuthorizationURL string
	Cookie           *http.Cookie
}

// Stage2Result is the outcome of a completed callback. Exactly one field
// is set: Token for a recognized user, RegistrationURL when a recover flow
// authenticated an email with no account.
type Stage2Result struct {
	Token           *handoff.Token
	RegistrationURL string
}

// Stage1 starts a flow: creates the single-use state row and renders the
// authorization URL and CSRF cookie around it. The only persistent effect
// is that one row.
func (o *Orchestrator) Stage1(ctx context.Context, typ ssostate.Type, userID, loginHint string, cc ClientContext) (*Stage1Result, error) {
	if err := o.assertSettingsUsable(typ); err != nil {
		return nil, err
	}
	if typ != ssostate.TypeRecover && userID == "" {
		return nil, fmt.Errorf("flow %q requires a bound user", typ)
	}

	st, err := o.states.Create(ctx, typ, o.settings.ID, userID, cc.UserAgent, cc.IP)
	if err != nil {
		return nil, err
	}
	return &Stage1Result{
		AuthorizationURL: o.adapter.BuildAuthorizationURL(st.Value, st.Nonce, loginHint),
		Cookie: &http.Cookie{
			Name:     o.cfg.CookieName,
			Value:    st.Value,
			Path:     o.cfg.CookiePath,
			Expires:  st.Expires,
			Secure:   true,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		},
	}, nil
}

// a draft configuration is only ever exercised by an admin dry run
func (o *Orchestrator) assertSettingsUsable(typ ssostate.Type) error {
	if typ == ssostate.TypeSetSettings {
		if !o.settings.IsDraft() {
			return settings.ErrNotDraft
		}
		return nil
	}
	if !o.settings.IsActive() {
		return settings.ErrNotActive
	}
	return nil
}

// Stage2 completes a callback. The state row, once loaded, is consumed on
// every path out of this method; a second presentation of the same state
// always fails.
func (o *Orchestrator) Stage2(ctx context.Context, typ ssostate.Type, stateFromURL, stateFromCookie, code string,
	cc ClientContext, toggles config.SecurityToggles) (*Stage2Result, error) {
	// the browser-supplied halves must agree before anything is touched
	if stateFromURL == "" || stateFromURL != stateFromCookie {
		return nil, ErrCsrf
	}

	st, err := o.states.GetActiveOrFail(ctx, stateFromCookie, typ)
	if err != nil {
		if errors.Is(err, ssostate.ErrNotFound) {
			return nil, ErrExpiredOrUnknownState
		}
		return nil, err
	}

	user, regURL, flowErr := o.completeFlow(ctx, st, code)
	boundUserID := st.UserID
	if user != nil {
		boundUserID = user.ID
	}

	consumeErr := o.states.AssertAndConsume(ctx, st, boundUserID, o.settings.ID, ssostate.RequestContext{
		IP:             cc.IP,
		UserAgent:      cc.UserAgent,
		CheckIP:        toggles.CheckClientIP,
		CheckUserAgent: toggles.CheckUserAgent,
	})
	consumeResult := "success"
	if flowErr != nil || consumeErr != nil {
		consumeResult = "failure"
	}
	o.metrics.StateConsumedTotal.WithLabelValues(string(st.Type), consumeResult).Inc()
	if flowErr != nil {
		if consumeErr != nil {
			o.logger.WithError(consumeErr).Warn("state consumption failed after flow error")
		}
		return nil, flowErr
	}
	if consumeErr != nil {
		return nil, mapConsumeError(consumeErr)
	}

	if regURL != "" {
		return &Stage2Result{RegistrationURL: regURL}, nil
	}
	tok, err := o.handoffs.Create(ctx, handoffTypeFor(st.Type), boundUserID, handoff.Data{
		IP:         cc.IP,
		UserAgent:  cc.UserAgent,
		SettingsID: o.settings.ID,
	})
	if err != nil {
		return nil, err
	}
	return &Stage2Result{Token: tok}, nil
}

// completeFlow runs the provider round-trip and the resource-owner
// assertions. It never touches the state row; the caller consumes it.
func (o *Orchestrator) completeFlow(ctx context.Context, st *ssostate.State, code string) (*User, string, error) {
	var user *User
	if st.Type != ssostate.TypeRecover {
		u, err := o.users.ByID(ctx, st.UserID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return nil, "", ErrResourceOwnerMismatch
			}
			return nil, "", err
		}
		user = u
	}

	owner, err := o.adapter.ExchangeCode(ctx, code)
	if err != nil {
		return nil, "", err
	}

	var regURL string
	if st.Type == ssostate.TypeRecover {
		u, err := o.users.ByEmail(ctx, owner.Email)
		switch {
		case err == nil:
			user = u
		case errors.Is(err, ErrUserNotFound) && o.registrar != nil:
			regURL, err = o.registrar.BeginRegistration(ctx, owner.Email)
			if err != nil {
				return nil, "", err
			}
		case errors.Is(err, ErrUserNotFound):
			return nil, "", ErrResourceOwnerMismatch
		default:
			return nil, "", err
		}
	} else if !strings.EqualFold(owner.Email, user.Username) {
		return nil, "", ErrResourceOwnerMismatch
	}

	if owner.Nonce != st.Nonce {
		return nil, "", ErrResourceOwnerMismatch
	}
	if err := o.adapter.AssertFreshAuthentication(owner, st.Created); err != nil {
		return nil, "", err
	}
	return user, regURL, nil
}

// handoffTypeFor maps each flow to its downstream capability. A dry run
// yields an activation token, never a key-retrieval one, so dry-run
// success grants no end-user capability.
func handoffTypeFor(typ ssostate.Type) handoff.Type {
	switch typ {
	case ssostate.TypeSetSettings:
		return handoff.TypeActivateSettings
	case ssostate.TypeRecover:
		return handoff.TypeRecover
	default:
		return handoff.TypeGetKey
	}
}

// mapConsumeError folds every assertion failure into the generic mismatch
// and a lost race into the unknown-state error, keeping responses free of
// detail an attacker could probe.
func mapConsumeError(err error) error {
	if errors.Is(err, ssostate.ErrNotFound) {
		return ErrExpiredOrUnknownState
	}
	if errors.Is(err, ssostate.ErrExpired) {
		return ErrExpiredOrUnknownState
	}
	if errors.Is(err, ssostate.ErrUserMismatch) ||
		errors.Is(err, ssostate.ErrClientMismatch) ||
		errors.Is(err, ssostate.ErrSettingsMismatch) {
		return ErrResourceOwnerMismatch
	}
	return err
}
